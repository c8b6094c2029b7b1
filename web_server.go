package main

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"otp-smpp-gateway/auth"
)

const defaultUsageWindow = 24 * time.Hour

func (gateway *Gateway) newWebApp() *iris.Application {
	app := iris.New()
	app.Logger().SetLevel("disable")

	app.Get("/health", gateway.webHealthCheck)
	app.Get("/ready", gateway.webReady)
	app.Get("/metrics", iris.FromStd(promhttp.HandlerFor(gateway.Metrics.Registry, promhttp.HandlerOpts{})))

	admin := app.Party("/admin", gateway.basicAuthMiddleware)
	admin.Post("/clients", gateway.webCreateClient)
	admin.Post("/clients/reload", gateway.webReloadClients)
	admin.Get("/clients/{id}/usage", gateway.webClientUsage)
	admin.Post("/clients/{id}/evict", gateway.webEvictClient)
	admin.Post("/cache/clear", gateway.webClearCache)

	return app
}

// basicAuthMiddleware accepts any user name with API_KEY as the password.
// Admin routes are closed entirely when no key is configured.
func (gateway *Gateway) basicAuthMiddleware(ctx iris.Context) {
	expected := gateway.Config.APIKey
	if expected == "" {
		gateway.lm.SendLog(gateway.lm.BuildLog(
			"Server.Web.Auth",
			"APIKeyNotSet",
			logrus.ErrorLevel,
			map[string]interface{}{"client_ip": ctx.RemoteAddr()},
		))
		ctx.StatusCode(http.StatusServiceUnavailable)
		ctx.WriteString("Admin API disabled")
		return
	}

	_, apiKey, ok := ctx.Request().BasicAuth()
	if !ok {
		gateway.unauthorized(ctx, "Invalid Authorization header")
		return
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
		gateway.unauthorized(ctx, "Invalid API key")
		return
	}
	ctx.Next()
}

func (gateway *Gateway) unauthorized(ctx iris.Context, reason string) {
	gateway.lm.SendLog(gateway.lm.BuildLog(
		"Server.Web.Auth",
		"Unauthorized",
		logrus.WarnLevel,
		map[string]interface{}{
			"client_ip": ctx.RemoteAddr(),
			"path":      ctx.Path(),
		}, reason,
	))
	ctx.Header("WWW-Authenticate", `Basic realm="Restricted"`)
	ctx.StatusCode(http.StatusUnauthorized)
	ctx.WriteString("Unauthorized")
}

func (gateway *Gateway) webHealthCheck(ctx iris.Context) {
	ctx.JSON(iris.Map{
		"status":      "ok",
		"uptime":      int64(gateway.Uptime().Seconds()),
		"connections": gateway.ActiveConnections(),
		"clients":     gateway.SMPPServer.ClientConnections(),
	})
}

func (gateway *Gateway) webReady(ctx iris.Context) {
	ready := gateway.Ready()
	if !ready {
		ctx.StatusCode(http.StatusServiceUnavailable)
	}
	ctx.JSON(iris.Map{"ready": ready})
}

func (gateway *Gateway) webReloadClients(ctx iris.Context) {
	if gateway.Watcher == nil {
		ctx.StopWithJSON(http.StatusConflict, iris.Map{"error": "client source " + gateway.Config.ClientSource + " is not reloadable"})
		return
	}

	res, err := gateway.Watcher.ForceReload(ctx.Request().Context())
	if err != nil {
		// the watcher has logged the cause and kept the previous snapshot
		ctx.StopWithJSON(http.StatusUnprocessableEntity, iris.Map{"error": err.Error()})
		return
	}

	gateway.lm.SendLog(gateway.lm.BuildLog(
		"Server.Web.Admin",
		"ClientsReloadRequested",
		logrus.InfoLevel,
		map[string]interface{}{"client_ip": ctx.RemoteAddr()},
	))
	ctx.JSON(iris.Map{
		"clients": gateway.LoadedClients(),
		"added":   nonNil(res.Added),
		"updated": nonNil(res.Updated),
		"removed": nonNil(res.Removed),
	})
}

func (gateway *Gateway) webEvictClient(ctx iris.Context) {
	systemID := ctx.Params().Get("id")
	if gateway.Remote != nil {
		gateway.Remote.Evict(systemID)
	}
	gateway.Limiters.Invalidate(systemID)

	gateway.lm.SendLog(gateway.lm.BuildLog(
		"Server.Web.Admin",
		"ClientEvicted",
		logrus.InfoLevel,
		map[string]interface{}{
			"client_ip": ctx.RemoteAddr(),
			"system_id": systemID,
		},
	))
	ctx.JSON(iris.Map{"evicted": systemID})
}

func (gateway *Gateway) webClearCache(ctx iris.Context) {
	cleared := 0
	if gateway.Remote != nil {
		cleared = gateway.Remote.Len()
		gateway.Remote.ClearCache()
	}

	gateway.lm.SendLog(gateway.lm.BuildLog(
		"Server.Web.Admin",
		"CacheCleared",
		logrus.InfoLevel,
		map[string]interface{}{
			"client_ip": ctx.RemoteAddr(),
			"cleared":   cleared,
		},
	))
	ctx.JSON(iris.Map{"cleared": cleared})
}

// webCreateClient stores a profile in the clients table and reloads it. A
// plaintext password is hashed before it is stored.
func (gateway *Gateway) webCreateClient(ctx iris.Context) {
	if gateway.Config.ClientSource != "db" || gateway.DB == nil {
		ctx.StopWithJSON(http.StatusConflict, iris.Map{"error": "client source " + gateway.Config.ClientSource + " does not accept new clients"})
		return
	}

	var p auth.Profile
	if err := ctx.ReadJSON(&p); err != nil {
		ctx.StopWithJSON(http.StatusBadRequest, iris.Map{"error": err.Error()})
		return
	}
	if p.Password != "" && !p.HasHashedPassword() {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Password), bcrypt.DefaultCost)
		if err != nil {
			ctx.StopWithJSON(http.StatusBadRequest, iris.Map{"error": err.Error()})
			return
		}
		p.Password = string(hash)
	}
	if err := AddClient(gateway.DB.WithContext(ctx.Request().Context()), p, gateway.Config.EncryptionKey); err != nil {
		ctx.StopWithJSON(http.StatusUnprocessableEntity, iris.Map{"error": err.Error()})
		return
	}
	if gateway.Watcher != nil {
		if _, err := gateway.Watcher.ForceReload(ctx.Request().Context()); err != nil {
			ctx.StopWithJSON(http.StatusInternalServerError, iris.Map{"error": err.Error()})
			return
		}
	}

	gateway.lm.SendLog(gateway.lm.BuildLog(
		"Server.Web.Admin",
		"ClientCreated",
		logrus.InfoLevel,
		map[string]interface{}{
			"client_ip": ctx.RemoteAddr(),
			"system_id": p.SystemID,
		},
	))
	ctx.StatusCode(http.StatusCreated)
	ctx.JSON(iris.Map{"created": p.SystemID, "clients": gateway.LoadedClients()})
}

// webClientUsage counts a client's message records. since is RFC 3339 and
// defaults to the last day; outcome narrows the count to one result.
func (gateway *Gateway) webClientUsage(ctx iris.Context) {
	if gateway.DB == nil {
		ctx.StopWithJSON(http.StatusConflict, iris.Map{"error": "message records are not stored"})
		return
	}

	systemID := ctx.Params().Get("id")
	outcome := ctx.URLParam("outcome")
	since := time.Now().Add(-defaultUsageWindow)
	if raw := ctx.URLParam("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ctx.StopWithJSON(http.StatusBadRequest, iris.Map{"error": "since must be RFC 3339"})
			return
		}
		since = t
	}

	count, err := GetUsageCount(gateway.DB.WithContext(ctx.Request().Context()), systemID, outcome, since)
	if err != nil {
		gateway.lm.SendLog(gateway.lm.BuildLog(
			"Server.Web.Admin",
			"UsageQueryFailed",
			logrus.ErrorLevel,
			map[string]interface{}{"system_id": systemID}, err,
		))
		ctx.StopWithJSON(http.StatusInternalServerError, iris.Map{"error": "usage query failed"})
		return
	}
	ctx.JSON(iris.Map{
		"system_id": systemID,
		"outcome":   outcome,
		"since":     since.UTC().Format(time.RFC3339),
		"count":     count,
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
