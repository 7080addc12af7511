package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daoch4n/anima/pkg/gateway/config"
)

func noopSignalDeps(deps *serveDeps) {
	deps.signalNotify = func(chan<- os.Signal, ...os.Signal) {}
	deps.signalStop = func(chan<- os.Signal) {}
}

func TestRunServe_MissingDeps(t *testing.T) {
	var buf bytes.Buffer
	err := runServe(context.Background(), &buf, serveDeps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loadConfig")
}

func TestRunServe_ConfigFailure(t *testing.T) {
	deps := defaultServeDeps()
	noopSignalDeps(&deps)
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad env")
	}

	var buf bytes.Buffer
	err := runServe(context.Background(), &buf, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRunMain_ReportsFailure(t *testing.T) {
	deps := defaultServeDeps()
	noopSignalDeps(&deps)
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad env")
	}

	var buf bytes.Buffer
	code := runMain(context.Background(), &buf, deps)
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "anima:")
}

func TestBuildLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := buildLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("visible")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}
