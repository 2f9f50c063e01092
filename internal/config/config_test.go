package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"SYNCFLOW_SERVER_URL": "https://api.example.com",
		"PROJECTS":            `[{"key":"k1","secret":"s1","project_id":"p1","s3_config":{"access_key":"a","secret_key":"b","bucket_name":"bucket","endpoint":"s3.example.com","region":"us-east-1"}}]`,
		"RABBITMQ_HOST":       "broker.example.com",
	}
}

func TestLoad_Success(t *testing.T) {
	setEnv(t, validEnv())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com", cfg.SyncflowServerURL)
	require.Len(t, cfg.Projects, 1)
	require.Equal(t, "p1", cfg.Projects[0].ProjectID)
	require.Equal(t, "bucket", cfg.Projects[0].S3Config.BucketName)
	require.Equal(t, 5672, cfg.RabbitMQPort)
	require.Equal(t, "/", cfg.RabbitMQVHost)
	require.Equal(t, "text-egress", cfg.DeviceGroupName)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, ":8080", cfg.AdminAddr)
}

func TestLoad_MissingServerURL(t *testing.T) {
	env := validEnv()
	delete(env, "SYNCFLOW_SERVER_URL")
	setEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	var missing *ErrMissingEnv
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "SYNCFLOW_SERVER_URL", missing.Name)
}

func TestLoad_MissingProjects(t *testing.T) {
	env := validEnv()
	delete(env, "PROJECTS")
	setEnv(t, env)

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_EmptyProjectsArray(t *testing.T) {
	env := validEnv()
	env["PROJECTS"] = `[]`
	setEnv(t, env)

	_, err := Load()
	require.ErrorContains(t, err, "at least one project")
}

func TestLoad_ProjectMissingS3Fields(t *testing.T) {
	env := validEnv()
	env["PROJECTS"] = `[{"key":"k1","secret":"s1","project_id":"p1","s3_config":{}}]`
	setEnv(t, env)

	_, err := Load()
	require.ErrorContains(t, err, "s3_config")
}

func TestLoad_CustomOverrides(t *testing.T) {
	env := validEnv()
	env["RABBITMQ_PORT"] = "5673"
	env["RABBITMQ_VHOST_NAME"] = "/text-egress"
	env["RABBITMQ_TLS"] = "true"
	env["DEVICE_GROUP_NAME"] = "custom-group"
	env["LOG_LEVEL"] = "debug"
	env["ADMIN_ADDR"] = ":9090"
	setEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5673, cfg.RabbitMQPort)
	require.Equal(t, "/text-egress", cfg.RabbitMQVHost)
	require.True(t, cfg.RabbitMQTLS)
	require.Equal(t, "custom-group", cfg.DeviceGroupName)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, ":9090", cfg.AdminAddr)
}

func TestLoad_InvalidPort(t *testing.T) {
	env := validEnv()
	env["RABBITMQ_PORT"] = "not-a-number"
	setEnv(t, env)

	_, err := Load()
	require.Error(t, err)
}
