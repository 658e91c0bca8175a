package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSettingsDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	s, err := LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if s.Theme != ThemeSystem {
		t.Errorf("expected system theme, got %s", s.Theme)
	}
	if !s.ConfirmOnDelete {
		t.Errorf("expected confirm-on-delete default true")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	in := &Settings{Theme: ThemeDark, ShowHidden: true, DefaultLocalPath: "/srv", ConfirmOnDelete: false}
	if err := SaveSettings(in); err != nil {
		t.Fatal(err)
	}

	out, err := LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestLocalConfigValidation(t *testing.T) {
	dir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	os.Chdir(dir)

	cfgText := strings.Join([]string{
		"profile: staging",
		"watches:",
		"  - localPath: ./src",
		"    remotePath: /var/www/src",
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, LocalConfigFileName), []byte(cfgText), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadLocalConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile != "staging" || len(cfg.Watches) != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	bad := "watches:\n  - localPath: ./src\n    remotePath: relative/path\n"
	if err := os.WriteFile(filepath.Join(dir, LocalConfigFileName), []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLocalConfig(); err == nil {
		t.Errorf("expected validation error for missing profile / relative remote path")
	}
}
