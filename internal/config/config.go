package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	koanf "github.com/knadh/koanf/v2"
)

const envPrefix = "NFSBUCKET_"

type Watch struct {
	Namespace      string        `koanf:"namespace"`
	TimeoutSeconds int64         `koanf:"timeoutSeconds"`
	ResyncPeriod   time.Duration `koanf:"resyncPeriod"`
	MinBackoff     time.Duration `koanf:"minBackoff"`
	MaxBackoff     time.Duration `koanf:"maxBackoff"`
	Workers        int           `koanf:"workers"`
}

type Server struct {
	Image    string `koanf:"image"`
	Replicas int32  `koanf:"replicas"`
}

type Volume struct {
	Size             string `koanf:"size"`
	StorageClassName string `koanf:"storageClassName"`
}

type BucketCheck struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	Region   string `koanf:"region"`
	// Secret holding the accessKey and secretKey of the check. When the name is empty the
	// request's own service-account-secret must carry both keys.
	CredentialsSecretNamespace string `koanf:"credentialsSecretNamespace"`
	CredentialsSecretName      string `koanf:"credentialsSecretName"`
}

type Config struct {
	Watch                           Watch       `koanf:"watch"`
	Server                          Server      `koanf:"server"`
	Volume                          Volume      `koanf:"volume"`
	BucketCheck                     BucketCheck `koanf:"bucketCheck"`
	ValidationWebhookTimeoutSeconds int         `koanf:"validationWebhookTimeoutSeconds"`
}

var (
	DefaultConfig = Config{
		Watch: Watch{
			TimeoutSeconds: 300,
			ResyncPeriod:   10 * time.Minute,
			MinBackoff:     time.Second,
			MaxBackoff:     30 * time.Second,
			Workers:        1,
		},
		Server: Server{
			Image:    "gcr.io/ael-cx/nfs-bucket-server:latest",
			Replicas: 1,
		},
		Volume: Volume{
			Size: "10Gi",
		},
		BucketCheck: BucketCheck{
			Region: "us-east-1",
		},
		ValidationWebhookTimeoutSeconds: 5,
	}
)

// GetConfig layers the defaults, the yaml file at configPath (skipped when empty) and NFSBUCKET_ prefixed
// environment variables, in that order. Nested keys are separated by "__" in variable names,
// e.g. NFSBUCKET_WATCH__WORKERS.
func GetConfig(configPath string) (*Config, error) {
	k := koanf.New(".")
	parser := yaml.Parser()
	cfg := &Config{}

	if err := k.Load(structs.Provider(DefaultConfig, "koanf"), nil); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), parser); err != nil {
			return nil, err
		}
	}

	// environment variables are case-insensitive, map them back onto the known camelCase keys
	knownKeys := make(map[string]string)
	for _, key := range k.Keys() {
		knownKeys[strings.ToLower(key)] = key
	}
	envKey := func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, envPrefix), "__", "."))
		if known, ok := knownKeys[key]; ok {
			return known
		}
		return key
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
