package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMaskSecrets(t *testing.T) {
	settings := map[string]any{
		"database": map[string]any{"user": "imgvec", "password": "hunter2"},
		"s3": map[string]any{
			"endpoint":          "minio:9000",
			"access_key_id":     "AKIA",
			"secret_access_key": "",
		},
		"log": map[string]any{"level": "info"},
	}

	masked := maskSecrets(settings)

	db := masked["database"].(map[string]any)
	assert.Equal(t, redacted, db["password"])
	assert.Equal(t, "imgvec", db["user"])

	s3 := masked["s3"].(map[string]any)
	assert.Equal(t, redacted, s3["access_key_id"])
	assert.Equal(t, "", s3["secret_access_key"], "empty secrets stay visible as unset")
	assert.Equal(t, "minio:9000", s3["endpoint"])

	assert.Equal(t, "hunter2", settings["database"].(map[string]any)["password"], "input is not modified")
}

func TestConfigCommand(t *testing.T) {
	nv := quietViper(t)
	nv.Set("database.user", "imgvec")
	nv.Set("database.password", "hunter2")

	output, err := execute(t, []string{"config"}, newConfigCmd())
	require.NoError(t, err)
	assert.NotContains(t, output, "hunter2")

	var printed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(output), &printed))
	db := printed["database"].(map[string]any)
	assert.Equal(t, redacted, db["password"])
	assert.Equal(t, "imgvec", db["user"])
	pipeline := printed["pipeline"].(map[string]any)
	assert.Equal(t, 500, pipeline["chunk_size"])
}

func TestConfigCommand_Validate(t *testing.T) {
	quietViper(t)

	_, err := execute(t, []string{"config", "--validate"}, newConfigCmd())
	assert.ErrorContains(t, err, "database.user is required")
}

func TestWorkerCommand_RequiresNATS(t *testing.T) {
	useMemoryApplication(t)

	err := runWorkerService(context.Background(), time.Second)
	assert.EqualError(t, err, "nats.url is required to run a worker")
}

func TestMigrateCommand_ReportsInvalidConfig(t *testing.T) {
	useConfig(t, nil)
	quietViper(t)

	_, err := execute(t, []string{"migrate", "up"}, newMigrateCmd())
	assert.ErrorContains(t, err, "database.user is required")
}
