package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-ivr-call/internal/simulate"
	"github.com/acme/outbound-ivr-call/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts simulate.Options
	flag.StringVar(&opts.Target, "target", "http://localhost:3000", "server base url")
	flag.StringVar(&opts.From, "from", "", "caller number; with -to places a call first")
	flag.StringVar(&opts.To, "to", "", "callee number")
	flag.StringVar(&opts.VoiceID, "voice-id", "", "voice_id of an existing call")
	flag.StringVar(&opts.AppID, "app-id", os.Getenv("ENABLEX_APP_ID"), "application id used as cipher secret")
	flag.StringVar(&opts.Headers.Algorithm, "algorithm", "", "cipher name, e.g. aes-256-cbc; empty sends plain JSON")
	flag.StringVar(&opts.Headers.Format, "format", "base64", "ciphertext encoding: base64 or hex")
	flag.StringVar(&opts.Headers.Encoding, "encoding", "utf8", "plaintext encoding")
	flag.DurationVar(&opts.Step, "step", time.Second, "pause between events")
	flag.DurationVar(&opts.HangupWait, "hangup-wait", 10*time.Second, "pause before the disconnected event")
	env := flag.String("env", "development", "logger environment")
	flag.Parse()

	lg, err := logger.New(*env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	if opts.Headers.Encrypted() && opts.AppID == "" {
		lg.Fatal("encrypted webhooks need -app-id or ENABLEX_APP_ID")
	}

	if err := simulate.New(opts, lg).Run(ctx); err != nil {
		lg.Fatal("simulation failed", zap.Error(err))
	}
	lg.Info("simulation finished")
}
