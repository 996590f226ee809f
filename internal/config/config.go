// Package config loads an on-disk CleanerConfig for the process embedding
// the compaction engine. It is ambient convenience for that embedder, not
// something the engine's own scheduling loop touches: loading cluster or
// topic metadata stays out of scope, but loading this engine's own tuning
// knobs from a local file does not.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/streamkeep/logcleaner/server/compaction"
)

// LoadCleanerConfig reads a compaction.Config from path (YAML/JSON/TOML,
// autodetected from its extension by viper), filling any field left unset
// in the file with compaction.Config's documented defaults.
func LoadCleanerConfig(path string) (compaction.Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("numthreads", 1)
	v.SetDefault("dedupebuffersize", int64(64<<20))
	v.SetDefault("dedupebufferloadfactor", 0.75)
	v.SetDefault("iobuffersize", 1<<20)
	v.SetDefault("maxmessagesize", 32<<20)
	v.SetDefault("maxiobytespersecond", int64(0))
	v.SetDefault("backoffms", int64(15000))
	v.SetDefault("checkintervalms", int64(300))
	v.SetDefault("hashalgorithm", "md5")

	if err := v.ReadInConfig(); err != nil {
		return compaction.Config{}, errors.Wrapf(err, "read cleaner config %q failed", path)
	}

	algo := compaction.HashMD5
	if v.GetString("hashalgorithm") == "sha1" {
		algo = compaction.HashSHA1
	}

	cfg := compaction.Config{
		NumThreads:             v.GetInt("numthreads"),
		DedupeBufferSize:       v.GetInt64("dedupebuffersize"),
		DedupeBufferLoadFactor: v.GetFloat64("dedupebufferloadfactor"),
		IoBufferSize:           v.GetInt("iobuffersize"),
		MaxMessageSize:         v.GetInt("maxmessagesize"),
		MaxIoBytesPerSecond:    v.GetInt64("maxiobytespersecond"),
		BackOffMs:              v.GetInt64("backoffms"),
		CheckIntervalMs:        v.GetInt64("checkintervalms"),
		HashAlgorithm:          algo,
	}
	return cfg, nil
}
