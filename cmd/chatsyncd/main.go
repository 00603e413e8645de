package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level := zapcore.InfoLevel
	if *debug {
		level = zapcore.DebugLevel
	}
	gin.SetMode(gin.ReleaseMode)

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, LogLevel: level}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
