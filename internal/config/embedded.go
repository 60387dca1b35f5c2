package config

// Version is the application version, injected at build time via ldflags:
//
//	go build -ldflags "-X 'github.com/castflow/castflow/internal/config.Version=v1.2.3'"
var Version = "dev"

// EmbeddedTMDBKey is an optional build-time TMDB API key used as the
// default when neither config file nor environment provides one.
//
//	go build -ldflags "-X 'github.com/castflow/castflow/internal/config.EmbeddedTMDBKey=xxx'"
var EmbeddedTMDBKey string
