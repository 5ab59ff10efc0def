package main

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/api"
	"activity-sync/internal/config"
	activitysync "activity-sync/internal/sync"
)

const credentialsJSON = `{"installed":{"client_id":"id.apps.googleusercontent.com","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(creds, []byte(credentialsJSON), 0600))

	body = strings.ReplaceAll(body, "$CREDS", creds)
	body = strings.ReplaceAll(body, "$DIR", dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildProviders_GmailFirst(t *testing.T) {
	cfg := writeConfig(t, `
backend:
  url: http://backend
providers:
  linkedin:
    enabled: true
    username: me@example.com
    password: pw
  personal_capital:
    enabled: true
    username: me@example.com
    password: pw
  lyft:
    enabled: true
    cookie: lyftSession=abc
    lookback_hours: 72
  gmail:
    enabled: true
    credentials_path: $CREDS
    refresh_token: refresh-1
  groupme:
    enabled: true
    token: tok
    group_ids: ["1", "2"]
`)

	providers, err := buildProviders(cfg, http.DefaultClient)
	require.NoError(t, err)

	var names []string
	for _, p := range providers {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"gmail", "groupme", "lyft", "personal_capital", "linkedin"}, names)

	assert.Len(t, providers[0].Jobs, 2, "calls and texts")
	assert.Len(t, providers[1].Jobs, 2, "one job per group")
	assert.NotNil(t, providers[3].Solver)
	assert.NotNil(t, providers[4].Solver)
	assert.Equal(t, api.RecordTypeRecruitmentMessage, providers[4].Jobs[0].RecordType())
}

func TestBuildProviders_MissingGmailToken(t *testing.T) {
	cfg := writeConfig(t, `
backend:
  url: http://backend
providers:
  gmail:
    enabled: true
    credentials_path: $CREDS
    token_path: $DIR/missing.json
`)

	_, err := buildProviders(cfg, http.DefaultClient)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activity-sync oauth gmail")
}

func TestJobConfig_ProviderLookbackOverride(t *testing.T) {
	cfg := writeConfig(t, `
backend:
  url: http://backend
sync:
  lookback_hours: 24
  concurrency: 4
providers:
  lyft:
    enabled: true
    cookie: c
    lookback_hours: 72
`)

	assert.Equal(t, activitysync.JobConfig{Lookback: 72 * time.Hour, Concurrency: 4, MaxPages: 200},
		jobConfig(cfg, cfg.Providers.Lyft.ProviderCommon))
	assert.Equal(t, 24*time.Hour, jobConfig(cfg, cfg.Providers.Uber.ProviderCommon).Lookback)
}

func TestQueueConfig(t *testing.T) {
	cfg := writeConfig(t, `
backend:
  url: http://backend
queue:
  enabled: true
  path: $DIR/spool.db
  initial_backoff_seconds: 10
`)

	qc := queueConfig(cfg)
	assert.Equal(t, "spool.db", filepath.Base(qc.Path))
	assert.Equal(t, 10*time.Second, qc.InitialBackoff)
	assert.Equal(t, time.Hour, qc.MaxBackoff)
	assert.Equal(t, 10, qc.MaxRetries)
	assert.Equal(t, 2.0, qc.BackoffFactor)
}

func TestPrintOutcomes(t *testing.T) {
	var buf bytes.Buffer
	printOutcomes(&buf, nil)
	assert.Equal(t, "No sync runs recorded.\n", buf.String())

	buf.Reset()
	printOutcomes(&buf, []activitysync.SyncOutcome{
		{Provider: "lyft", RecordType: api.RecordTypeRide, RecordsSaved: 3, Pages: 2, Successful: true},
		{Provider: "uber", RecordType: api.RecordTypeRide, ErrorMessage: "auth uber: password: rejected by provider"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^lyft/rides\s+ok\s+3\s+2\s+-`, lines[1])
	assert.Regexp(t, `^uber/rides\s+failed\s+0\s+0\s+-\s+auth uber`, lines[2])
}

func TestUseConsole(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "log")
	require.NoError(t, err)
	defer f.Close()

	assert.True(t, useConsole("console", f))
	assert.False(t, useConsole("json", f))
	assert.False(t, useConsole("auto", f), "regular files are not terminals")
}
