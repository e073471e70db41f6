package constants

type ContextKey string

const (
	PoolKey     ContextKey = "pool"
	TxKey       ContextKey = "tx"
	TxRunnerKey ContextKey = "txRunner"
	LoggerKey   ContextKey = "logger"
)
