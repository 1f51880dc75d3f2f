package app

import (
	"context"
	"io"

	"tgload/internal/config"
	"tgload/internal/isolate"
	logx "tgload/pkg/logx"
)

// RunFetchWorker is the body of the "fetch" subcommand: one request in, one
// response out. It never touches Telegram or the state store.
func RunFetchWorker(ctx context.Context, cfgPath string, in io.Reader, out io.Writer) int {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		logx.NewConsole("INFO").Error("fetch worker: load config", logx.Err(err))
		return isolate.ExitBadInput
	}
	log := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "fetch"))
	return isolate.ServeChild(ctx, in, out, FetchRegistry(cfg, log))
}
