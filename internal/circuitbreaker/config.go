package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// LLMConfig returns breaker tuning for LLM provider calls. Providers fail
// slowly and expensively, so the trip threshold is low.
func LLMConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("FATHOM_CB_LLM_MAX_REQUESTS", 2),
		Interval:         getEnvDuration("FATHOM_CB_LLM_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("FATHOM_CB_LLM_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("FATHOM_CB_LLM_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("FATHOM_CB_LLM_SUCCESS_THRESHOLD", 2),
	}
}

// SearchConfig returns breaker tuning for evidence source calls. Sources are
// cheap and a single task fans out across several, so it tolerates more
// failures before tripping.
func SearchConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("FATHOM_CB_SEARCH_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("FATHOM_CB_SEARCH_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("FATHOM_CB_SEARCH_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("FATHOM_CB_SEARCH_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("FATHOM_CB_SEARCH_SUCCESS_THRESHOLD", 2),
	}
}

// EmbeddingsConfig returns breaker tuning for embedding generation.
func EmbeddingsConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("FATHOM_CB_EMBEDDINGS_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("FATHOM_CB_EMBEDDINGS_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("FATHOM_CB_EMBEDDINGS_TIMEOUT", 20*time.Second),
		FailureThreshold: getEnvUint32("FATHOM_CB_EMBEDDINGS_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("FATHOM_CB_EMBEDDINGS_SUCCESS_THRESHOLD", 2),
	}
}

// VectorDBConfig returns breaker tuning for the vector store.
func VectorDBConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("FATHOM_CB_VECTORDB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("FATHOM_CB_VECTORDB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("FATHOM_CB_VECTORDB_TIMEOUT", 10*time.Second),
		FailureThreshold: getEnvUint32("FATHOM_CB_VECTORDB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("FATHOM_CB_VECTORDB_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseConfig returns breaker tuning for the persistence store.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("FATHOM_CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("FATHOM_CB_DB_INTERVAL", 60*time.Second),
		Timeout:          getEnvDuration("FATHOM_CB_DB_TIMEOUT", 10*time.Second),
		FailureThreshold: getEnvUint32("FATHOM_CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("FATHOM_CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// RedisConfig returns breaker tuning for Redis. Redis fails fast, so the
// recovery window is short.
func RedisConfig() Config {
	return Config{
		MaxRequests:      getEnvUint32("FATHOM_CB_REDIS_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("FATHOM_CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("FATHOM_CB_REDIS_TIMEOUT", 5*time.Second),
		FailureThreshold: getEnvUint32("FATHOM_CB_REDIS_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("FATHOM_CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

func getEnvUint32(key string, fallback uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
