// Command hash_passwords rewrites plaintext client passwords in the
// smpp_clients table as bcrypt hashes, so the gateway can run with
// PLAINTEXT_PASSWORDS=reject.
//
// Usage:
//
//	go run ./migration [-dry-run] [-cost=12] [-dsn="..."]
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"otp-smpp-gateway/auth"
)

type clientRow struct {
	ID       uint   `gorm:"primaryKey"`
	SystemID string `gorm:"size:16"`
	Password string
}

func (clientRow) TableName() string { return "smpp_clients" }

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be changed without modifying the database")
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (defaults to POSTGRES_DSN or DB_* env vars)")
	flag.Parse()

	if *dsn == "" {
		*dsn = buildDSN()
	}
	if *dsn == "" {
		log.Fatal("Error: -dsn flag, POSTGRES_DSN or DB_HOST is required")
	}

	db, err := gorm.Open(postgres.Open(*dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	n, err := hashClientPasswords(db, *cost, *dryRun)
	if err != nil {
		log.Fatalf("Failed to migrate clients: %v", err)
	}
	if *dryRun {
		log.Printf("[DRY RUN] %d clients would be updated", n)
		return
	}
	log.Printf("Hashed passwords for %d clients", n)
}

func buildDSN() string {
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := getEnv("DB_PORT", "5432")
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD")),
		Host:     host + ":" + port,
		Path:     "/" + os.Getenv("DB_NAME"),
		RawQuery: "sslmode=" + url.QueryEscape(getEnv("DB_SSLMODE", "disable")),
	}
	return u.String()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// hashClientPasswords hashes every plaintext password in one transaction and
// returns how many rows it changed (or would change on a dry run).
func hashClientPasswords(db *gorm.DB, cost int, dryRun bool) (int, error) {
	var rows []clientRow
	if err := db.Order("id").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("failed to query clients: %w", err)
	}

	var pending []clientRow
	for _, row := range rows {
		p := auth.Profile{Password: row.Password}
		if row.Password == "" || p.HasHashedPassword() {
			continue
		}
		pending = append(pending, row)
		log.Printf("  Client %d (%s): plaintext password", row.ID, row.SystemID)
	}
	if len(pending) == 0 || dryRun {
		return len(pending), nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		for _, row := range pending {
			hash, err := bcrypt.GenerateFromPassword([]byte(row.Password), cost)
			if err != nil {
				return fmt.Errorf("failed to hash password for %s: %w", row.SystemID, err)
			}
			res := tx.Model(&clientRow{}).Where("id = ?", row.ID).Update("password", string(hash))
			if res.Error != nil {
				return fmt.Errorf("failed to update client %d: %w", row.ID, res.Error)
			}
			if res.RowsAffected != 1 {
				return errors.New("client " + row.SystemID + " disappeared during migration")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
