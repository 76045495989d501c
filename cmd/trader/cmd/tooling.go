package cmd

import (
	"database/sql"
	"fmt"

	"pumptrader/internal/config"
	"pumptrader/internal/repository"
	"pumptrader/pkg/utils"
)

// openTooling открывает БД для служебных команд; ключи биржи не нужны
func openTooling() (*sql.DB, *utils.Logger, error) {
	dbCfg, logCfg, err := config.LoadTooling()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := utils.InitLogger(logCfg.LogConfig())
	utils.SetGlobalLogger(logger)

	db, err := repository.Open(dbCfg)
	if err != nil {
		return nil, nil, err
	}
	return db, logger, nil
}
