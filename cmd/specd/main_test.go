package main

import (
	"testing"
)

func TestGetEnvPrefersSetValue(t *testing.T) {
	t.Setenv("SPECD_TEST_KEY", "from-env")
	if got := getEnv("SPECD_TEST_KEY", "fallback"); got != "from-env" {
		t.Errorf("getEnv = %q, want from-env", got)
	}
}

func TestGetEnvFallsBackWhenUnset(t *testing.T) {
	if got := getEnv("SPECD_TEST_KEY_UNSET", "fallback"); got != "fallback" {
		t.Errorf("getEnv = %q, want fallback", got)
	}
}
