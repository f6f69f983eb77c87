package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const (
	streamBlockSize   = 512 * 1024
	extendedBlockSize = 128 * 1024
	flowBlockSize     = 128 * 1024
	bufferSize        = 0 // auto
	parallelism       = 1
	readAhead         = 0 // unbounded
	spaceIncrement    = 50 * 1024 * 1024
	port              = 2288
	digestBlockSize   = 1024 * 1024
)

var (
	historyDB = filepath.Join(xdg.DataHome, configFileName, "history.db")
	logFile   = filepath.Join(xdg.StateHome, configFileName, "gridmover.log")
)
