// Command seed prepares a database: it applies migrations, writes the
// commission program settings and creates a tenant with its first admin.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/database"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
)

type options struct {
	SettingsFile  string
	TenantName    string
	Plan          string
	AdminName     string
	AdminEmail    string
	AdminPassword string
	Role          string
	SkipSettings  bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.StringVar(&o.SettingsFile, "settings", "", "YAML file with commission program settings (defaults when empty)")
	fs.BoolVar(&o.SkipSettings, "skip-settings", false, "leave stored settings untouched")
	fs.StringVar(&o.TenantName, "tenant", "", "name of the tenant to create")
	fs.StringVar(&o.Plan, "plan", string(models.PlanBasic), "tenant plan: basic, pro or premium")
	fs.StringVar(&o.AdminName, "admin-name", "Administrator", "name of the first admin")
	fs.StringVar(&o.AdminEmail, "admin-email", "", "email of the first admin")
	fs.StringVar(&o.AdminPassword, "admin-password", "", "password of the first admin (or SEED_ADMIN_PASSWORD)")
	fs.StringVar(&o.Role, "role", models.RoleAdmin, "role of the first admin")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.AdminPassword == "" {
		o.AdminPassword = os.Getenv("SEED_ADMIN_PASSWORD")
	}
	if o.TenantName != "" && (o.AdminEmail == "" || o.AdminPassword == "") {
		return o, errors.New("--tenant needs --admin-email and a password")
	}
	if !models.Plan(o.Plan).Valid() {
		return o, fmt.Errorf("unknown plan %q", o.Plan)
	}
	return o, nil
}

// loadSettings overlays the YAML file onto the built-in defaults.
func loadSettings(path string) (settings.Commission, error) {
	c := settings.Defaults()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return c, nil
}

type seedStore interface {
	store.TenantStore
	store.SettingsStore
}

func seed(ctx context.Context, st seedStore, o options, log *logrus.Entry) error {
	if !o.SkipSettings {
		c, err := loadSettings(o.SettingsFile)
		if err != nil {
			return err
		}
		values, err := c.Values()
		if err != nil {
			return err
		}
		for _, key := range settings.Keys {
			if err := st.PutSetting(ctx, key, values[key]); err != nil {
				return fmt.Errorf("store setting %s: %w", key, err)
			}
		}
		log.WithField("keys", len(values)).Info("Settings written")
	}

	if o.TenantName == "" {
		return nil
	}
	tenant := models.Tenant{Name: o.TenantName, Plan: models.Plan(o.Plan), Active: true}
	if err := st.CreateTenant(ctx, &tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(o.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	admin := models.Admin{
		TenantID:     tenant.ID,
		Name:         o.AdminName,
		Email:        strings.ToLower(strings.TrimSpace(o.AdminEmail)),
		PasswordHash: string(hash),
		Role:         o.Role,
		Active:       true,
	}
	if err := st.CreateAdmin(ctx, &admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	log.WithFields(logrus.Fields{
		"tenant_id": tenant.ID,
		"admin_id":  admin.ID,
		"plan":      tenant.Plan,
	}).Info("Tenant created")
	return nil
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	o, err := parseFlags(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("Invalid flags")
	}
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatal("seed needs STORE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.WithError(err).Fatal("Failed to migrate")
	}
	if err := seed(ctx, db, o, log); err != nil {
		log.WithError(err).Fatal("Seed failed")
	}
}
