package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"otp-smpp-gateway/auth"
	"otp-smpp-gateway/otpapi"
	"otp-smpp-gateway/ratelimit"
	"otp-smpp-gateway/smpp"
)

const bindGuardSweepInterval = time.Minute

// Gateway wires the SMPP server to its credential source, the delivery API
// and the operational HTTP surface.
type Gateway struct {
	Config     Config
	DB         *gorm.DB
	Static     *auth.StaticDirectory
	Remote     *auth.RemoteDirectory
	Watcher    *ClientWatcher
	Guard      *auth.BindGuard
	Limiters   *ratelimit.Registry
	OTPClient  *otpapi.Client
	SMPPServer *smpp.Server
	Metrics    *Metrics
	Recorder   *MsgRecorder

	lm        *LogManager
	web       *iris.Application
	startTime time.Time
	ready     atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewGateway builds every component from cfg. Static client sources are
// loaded once here so a broken profile list fails startup.
func NewGateway(cfg Config, lm *LogManager) (*Gateway, error) {
	gateway := &Gateway{
		Config:    cfg,
		Limiters:  ratelimit.NewRegistry(),
		Guard:     auth.NewBindGuard(lm.Entry("Auth.BindGuard")),
		Metrics:   NewMetrics(),
		lm:        lm,
		startTime: time.Now(),
	}

	if cfg.PostgresDSN != "" && (cfg.ClientSource == "db" || cfg.MsgRecords) {
		db, err := OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		gateway.DB = db
	}

	var directory auth.Directory
	opts := []auth.Option{
		auth.WithPlaintextPolicy(cfg.PlaintextPasswords),
		auth.WithLogger(lm.Entry("Auth.Directory")),
	}
	switch cfg.ClientSource {
	case "remote":
		gateway.Remote = auth.NewRemoteDirectory(cfg.AuthAPIURL, cfg.AuthAPIKey, cfg.AuthCacheTTL,
			&http.Client{Timeout: 10 * time.Second}, opts...)
		directory = gateway.Remote
	default:
		var source ProfileSource = FileSource{Path: cfg.ClientConfigPath}
		if cfg.ClientSource == "db" {
			source = DBSource{DB: gateway.DB, EncryptionKey: cfg.EncryptionKey}
		}
		gateway.Static = auth.NewStaticDirectory(nil, opts...)
		gateway.Watcher = NewClientWatcher(source, gateway.Static, gateway.Limiters, cfg.ClientReloadInterval, lm)
		if _, err := gateway.Watcher.ForceReload(context.Background()); err != nil {
			return nil, err
		}
		directory = gateway.Static
	}

	gateway.OTPClient = otpapi.NewClient(cfg.OTPAPIURL, cfg.OTPAPITimeout, lm.Entry("OTPAPI"))

	deps := smpp.Deps{
		Directory: directory,
		Guard:     gateway.Guard,
		Limiters:  gateway.Limiters,
		Sender:    gateway.OTPClient,
		Observer:  gateway.Metrics,
		Log:       lm.Entry("Server.SMPP"),
	}
	if cfg.MsgRecords && gateway.DB != nil {
		gateway.Recorder = NewMsgRecorder(gateway.DB, cfg.ServerID, lm)
		deps.Recorder = gateway.Recorder
	}

	server, err := smpp.NewServer(cfg.SMPP, deps)
	if err != nil {
		return nil, err
	}
	gateway.SMPPServer = server

	gateway.Metrics.Registry.MustRegister(NewMetricExporter(cfg.ServerID, gateway))
	gateway.web = gateway.newWebApp()
	return gateway, nil
}

// Start opens the SMPP listeners and the web server and starts the
// background loops. The gateway reports ready once every listener is up.
func (gateway *Gateway) Start(ctx context.Context) error {
	var listeners []net.Listener
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}

	if gateway.Config.EnablePlaintext {
		l, err := smpp.Listen(gateway.Config.SMPPListen, nil, gateway.Config.ProxyProtocol)
		if err != nil {
			return err
		}
		listeners = append(listeners, l)
	}
	if gateway.Config.TLSEnabled() {
		tlsConfig, err := smpp.TLSConfig(gateway.Config.TLSCertPath, gateway.Config.TLSKeyPath)
		if err != nil {
			closeAll()
			return err
		}
		l, err := smpp.Listen(gateway.Config.TLSListen, tlsConfig, gateway.Config.ProxyProtocol)
		if err != nil {
			closeAll()
			return err
		}
		listeners = append(listeners, l)
	}

	ctx, gateway.cancel = context.WithCancel(ctx)

	for _, l := range listeners {
		gateway.wg.Add(1)
		go func(l net.Listener) {
			defer gateway.wg.Done()
			if err := gateway.SMPPServer.Serve(l); err != nil && !errors.Is(err, smpp.ErrServerClosed) {
				gateway.lm.SendLog(gateway.lm.BuildLog(
					"Server.SMPP.Serve",
					"ListenerFailed",
					logrus.ErrorLevel,
					map[string]interface{}{"listen": l.Addr().String()}, err,
				))
			}
		}(l)
	}

	gateway.goRun(func() { gateway.Guard.Run(ctx, bindGuardSweepInterval) })
	if gateway.Watcher != nil {
		gateway.goRun(func() { gateway.Watcher.Run(ctx) })
	}

	if gateway.Config.WebListen != "" {
		gateway.goRun(func() {
			err := gateway.web.Listen(gateway.Config.WebListen, iris.WithoutServerError(iris.ErrServerClosed))
			if err != nil {
				gateway.lm.SendLog(gateway.lm.BuildLog(
					"Server.Web",
					"ListenerFailed",
					logrus.ErrorLevel,
					map[string]interface{}{"listen": gateway.Config.WebListen}, err,
				))
			}
		})
	}

	gateway.ready.Store(true)
	gateway.lm.SendLog(gateway.lm.BuildLog(
		"Gateway.Start",
		"GatewayStarted",
		logrus.InfoLevel,
		map[string]interface{}{
			"server_id":     gateway.Config.ServerID,
			"client_source": gateway.Config.ClientSource,
			"plaintext":     gateway.Config.EnablePlaintext,
			"tls":           gateway.Config.TLSEnabled(),
			"proxy":         gateway.Config.ProxyProtocol,
		},
	))
	return nil
}

func (gateway *Gateway) goRun(fn func()) {
	gateway.wg.Add(1)
	go func() {
		defer gateway.wg.Done()
		fn()
	}()
}

// Shutdown stops accepting traffic, drains SMPP sessions, then stops the
// web server and flushes message records.
func (gateway *Gateway) Shutdown(ctx context.Context) error {
	gateway.ready.Store(false)
	gateway.lm.SendLog(gateway.lm.BuildLog("Gateway.Shutdown", "ShutdownStarted", logrus.InfoLevel,
		map[string]interface{}{"connections": gateway.SMPPServer.ActiveConnections()}))

	var errs []error
	if err := gateway.SMPPServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("smpp shutdown: %w", err))
	}
	if gateway.cancel != nil {
		gateway.cancel()
	}
	if err := gateway.web.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("web shutdown: %w", err))
	}
	gateway.wg.Wait()

	if gateway.Recorder != nil {
		gateway.Recorder.Close()
	}
	if gateway.DB != nil {
		if sqlDB, err := gateway.DB.DB(); err == nil {
			sqlDB.Close()
		}
	}

	gateway.lm.SendLog(gateway.lm.BuildLog("Gateway.Shutdown", "ShutdownComplete", logrus.InfoLevel, nil))
	return errors.Join(errs...)
}

func (gateway *Gateway) Ready() bool {
	return gateway.ready.Load() && !gateway.SMPPServer.Closing()
}

func (gateway *Gateway) ActiveConnections() int {
	return gateway.SMPPServer.ActiveConnections()
}

// LoadedClients is the static profile count or the remote cache size.
func (gateway *Gateway) LoadedClients() int {
	if gateway.Static != nil {
		return gateway.Static.Len()
	}
	if gateway.Remote != nil {
		return gateway.Remote.Len()
	}
	return 0
}

func (gateway *Gateway) Uptime() time.Duration {
	return time.Since(gateway.startTime)
}
