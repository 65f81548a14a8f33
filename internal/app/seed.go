package app

import (
	"context"
	"os"

	"contractwatch/internal/config"
	"contractwatch/internal/storage"
	logx "contractwatch/pkg/logx"
)

// SeedFile imports the fixture at fixturePath into the store configured in
// cfgPath, without starting anything else.
func SeedFile(ctx context.Context, cfgPath, fixturePath string) (companies, contracts int, err error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return 0, 0, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return 0, 0, err
	}
	f, err := os.Open(fixturePath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	st, err := storage.Open(ctx, sc, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "storage")))
	if err != nil {
		return 0, 0, err
	}
	defer st.Close()
	return storage.Seed(ctx, st, f)
}
