package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear environment to test defaults
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Server.Port != 8095 {
		t.Errorf("expected default port 8095, got %d", cfg.Server.Port)
	}

	if cfg.Subscription.GracePeriodDays != 14 {
		t.Errorf("expected default grace period 14 days, got %d", cfg.Subscription.GracePeriodDays)
	}

	if cfg.Subscription.GracePeriod() != 14*24*time.Hour {
		t.Errorf("expected grace period duration of 336h, got %s", cfg.Subscription.GracePeriod())
	}

	if cfg.Alerts.ThrottleTTL() != time.Hour {
		t.Errorf("expected default alert throttle of 1h, got %s", cfg.Alerts.ThrottleTTL())
	}

	if cfg.Reminders.TrialDaysAhead != 3 || cfg.Reminders.EndingDaysAhead != 7 {
		t.Errorf("expected reminder lead times 3/7, got %d/%d", cfg.Reminders.TrialDaysAhead, cfg.Reminders.EndingDaysAhead)
	}

	if cfg.Alerts.ChurnThreshold != 5 {
		t.Errorf("expected churn threshold 5, got %v", cfg.Alerts.ChurnThreshold)
	}

	if cfg.Alerts.ChurnTrendDays != 90 || cfg.Alerts.RenewalHorizonDays != 30 {
		t.Errorf("expected report windows 90/30, got %d/%d", cfg.Alerts.ChurnTrendDays, cfg.Alerts.RenewalHorizonDays)
	}

	if cfg.Scheduler.TickSchedule != "*/1 * * * *" {
		t.Errorf("expected default tick schedule, got %s", cfg.Scheduler.TickSchedule)
	}

	if cfg.IsProduction() {
		t.Error("expected development environment by default")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SUBSCRIPTION_GRACE_PERIOD_DAYS", "7")
	t.Setenv("WEBHOOK_DEDUPE_WINDOW", "90m")
	t.Setenv("ALERT_CHURN_THRESHOLD", "2.5")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com, ,https://app.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Subscription.GracePeriodDays != 7 {
		t.Errorf("expected grace period 7, got %d", cfg.Subscription.GracePeriodDays)
	}
	if cfg.Subscription.DedupeWindow != 90*time.Minute {
		t.Errorf("expected dedupe window 90m, got %s", cfg.Subscription.DedupeWindow)
	}
	if cfg.Alerts.ChurnThreshold != 2.5 {
		t.Errorf("expected churn threshold 2.5, got %v", cfg.Alerts.ChurnThreshold)
	}
	if cfg.Redis.Enabled {
		t.Error("expected redis to be disabled")
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://app.example.com" {
		t.Errorf("unexpected allowed origins %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	os.Clearenv()
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("WEBHOOK_DEDUPE_WINDOW", "forever")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Server.Port != 8095 {
		t.Errorf("expected fallback port 8095, got %d", cfg.Server.Port)
	}
	if cfg.Subscription.DedupeWindow != 72*time.Hour {
		t.Errorf("expected fallback dedupe window 72h, got %s", cfg.Subscription.DedupeWindow)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{name: "defaults are valid", env: nil, wantErr: false},
		{name: "negative grace period", env: map[string]string{"SUBSCRIPTION_GRACE_PERIOD_DAYS": "-1"}, wantErr: true},
		{name: "zero throttle", env: map[string]string{"ALERT_THROTTLE_MINUTES": "0"}, wantErr: true},
		{name: "production without stripe key", env: map[string]string{"ENVIRONMENT": "production"}, wantErr: true},
		{
			name: "production with stripe secrets",
			env: map[string]string{
				"ENVIRONMENT":           "production",
				"STRIPE_SECRET_KEY":     "sk_live_x",
				"STRIPE_WEBHOOK_SECRET": "whsec_x",
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetDatabaseDSN(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{
		Host: "db", Port: 5433, User: "svc", Password: "pw", DBName: "subs", SSLMode: "require",
	}}

	want := "host=db user=svc password=pw dbname=subs port=5433 sslmode=require TimeZone=UTC"
	if got := cfg.GetDatabaseDSN(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
