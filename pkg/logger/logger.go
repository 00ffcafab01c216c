// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger builds the process-wide zap logger and hands out
// component loggers.
//
// Usage:
//
//	log := logger.For(logger.ComponentPersister)
//	log.Warnf("Batch for %s dropped: %v", topic, err)
package logger

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the root logger.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Encoding is json or console.
	Encoding string
	// Dir enables the rotating combined.log and error.log files when set.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init replaces the root logger. It returns a function flushing all sinks.
func Init(opts Options) (func() error, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	root = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
	return l.Sync, nil
}

// New builds a logger writing to stderr and, if opts.Dir is set, to
// combined.log (all levels) and error.log (error and above) inside Dir.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(defaultString(opts.Level, "info"))
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if opts.Encoding == "console" {
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores,
			zapcore.NewCore(fileEnc, rotating(opts, "combined.log"), level),
			zapcore.NewCore(fileEnc, rotating(opts, "error.log"), zapcore.ErrorLevel),
		)
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func rotating(opts Options, name string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, name),
		MaxSize:    defaultInt(opts.MaxSizeMB, 50),
		MaxBackups: defaultInt(opts.MaxBackups, 5),
		Compress:   true,
	})
}

// For returns a sugared logger named after component.
func For(component string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component).Sugar()
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
