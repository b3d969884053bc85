package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/classmind/kbengine/pkg/log"
)

// Defaults for the tunable surface.
const (
	DefaultChunkSize             = 500
	DefaultChunkOverlap          = 50
	DefaultMaxChunksPerUser      = 1000
	DefaultMaxDocumentsPerUser   = 5
	DefaultMaxFileSize           = 10 << 20 // 10 MiB
	DefaultEmbeddingDimensions   = 768
	DefaultMaxSegmentationTokens = 4000
	DefaultKBRetrievalRPM        = 60
	DefaultKBEmbeddingRPM        = 100
	DefaultKBUploadPerHour       = 10
	DefaultRequestTimeout        = 40 * time.Second
	DefaultAutoImportInterval    = 5 * time.Minute

	MinChunkSize = 50
)

var validDimensions = map[int]bool{
	64: true, 128: true, 256: true, 512: true,
	768: true, 1024: true, 1536: true, 2048: true,
}

// ProviderLimit holds per-provider rate limits.
type ProviderLimit struct {
	QPM        int `yaml:"qpm"`
	Concurrent int `yaml:"concurrent"`
}

// ProviderConfig holds a vendor route's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Config is the full engine configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	StorageDir string `yaml:"storage_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	DatabasePath string `yaml:"database_path"`

	QdrantHost       string `yaml:"qdrant_host"`
	QdrantPort       int    `yaml:"qdrant_port"`
	QdrantAPIKey     string `yaml:"qdrant_api_key"`
	CollectionPrefix string `yaml:"collection_prefix"`
	VectorCompression bool  `yaml:"vector_compression"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	ChunkSize             int    `yaml:"chunk_size"`
	ChunkOverlap          int    `yaml:"chunk_overlap"`
	MaxChunksPerUser      int    `yaml:"max_chunks_per_user"`
	MaxSegmentationTokens int    `yaml:"max_segmentation_tokens"`
	ChunkingEngine        string `yaml:"chunking_engine"` // semchunk | mindchunk

	MaxDocumentsPerUser int   `yaml:"max_documents_per_user"`
	MaxFileSize         int64 `yaml:"max_file_size"`

	EmbeddingDimensions    int     `yaml:"embedding_dimensions"`
	DefaultRetrievalMethod string  `yaml:"default_retrieval_method"` // semantic | keyword | hybrid
	RerankingMode          string  `yaml:"reranking_mode"`           // reranking_model | weighted_score | none
	HybridVectorWeight     float64 `yaml:"hybrid_vector_weight"`
	HybridKeywordWeight    float64 `yaml:"hybrid_keyword_weight"`

	LoadBalancingEnabled  bool           `yaml:"load_balancing_enabled"`
	LoadBalancingStrategy string         `yaml:"load_balancing_strategy"` // round_robin | random | weighted
	LoadBalancingWeights  map[string]int `yaml:"load_balancing_weights"`

	KBRetrievalRPM  int `yaml:"kb_retrieval_rpm"`
	KBEmbeddingRPM  int `yaml:"kb_embedding_rpm"`
	KBUploadPerHour int `yaml:"kb_upload_per_hour"`

	ProviderLimits map[string]ProviderLimit  `yaml:"provider_limits"`
	Providers      map[string]ProviderConfig `yaml:"providers"`

	DifyBaseURL string `yaml:"dify_base_url"`
	DifyAPIKey  string `yaml:"dify_api_key"`

	RequestTimeout time.Duration `yaml:"request_timeout"`

	LibraryAutoImportEnabled  bool          `yaml:"library_auto_import_enabled"`
	LibraryAutoImportInterval time.Duration `yaml:"library_auto_import_interval"`
	LibraryDir                string        `yaml:"library_dir"`

	JobWorkers       int `yaml:"job_workers"`
	RetrievalWorkers int `yaml:"retrieval_workers"`
}

// Load builds the configuration from .env (if present), the environment,
// and an optional YAML file. The YAML file is read first; environment
// variables override it.
func Load(yamlPath string) (*Config, error) {
	// Best-effort .env load, as in local development
	_ = godotenv.Load()

	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:   ":8080",
		DataDir:      "data",
		StorageDir:   "storage",
		LogLevel:     "info",
		LogJSON:      true,
		DatabasePath: "data/kbengine.db",

		QdrantHost:       "localhost",
		QdrantPort:       6334,
		CollectionPrefix: "user_",

		RedisAddr: "localhost:6379",

		ChunkSize:             DefaultChunkSize,
		ChunkOverlap:          DefaultChunkOverlap,
		MaxChunksPerUser:      DefaultMaxChunksPerUser,
		MaxSegmentationTokens: DefaultMaxSegmentationTokens,
		ChunkingEngine:        "semchunk",

		MaxDocumentsPerUser: DefaultMaxDocumentsPerUser,
		MaxFileSize:         DefaultMaxFileSize,

		EmbeddingDimensions:    DefaultEmbeddingDimensions,
		DefaultRetrievalMethod: "hybrid",
		RerankingMode:          "weighted_score",
		HybridVectorWeight:     0.5,
		HybridKeywordWeight:    0.5,

		LoadBalancingEnabled:  true,
		LoadBalancingStrategy: "weighted",
		LoadBalancingWeights:  map[string]int{},

		KBRetrievalRPM:  DefaultKBRetrievalRPM,
		KBEmbeddingRPM:  DefaultKBEmbeddingRPM,
		KBUploadPerHour: DefaultKBUploadPerHour,

		ProviderLimits: map[string]ProviderLimit{},
		Providers:      map[string]ProviderConfig{},

		RequestTimeout: DefaultRequestTimeout,

		LibraryAutoImportEnabled:  false,
		LibraryAutoImportInterval: DefaultAutoImportInterval,
		LibraryDir:                "library",

		JobWorkers:       4,
		RetrievalWorkers: 2,
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.ListenAddr, "LISTEN_ADDR")
	setStr(&cfg.DataDir, "DATA_DIR")
	setStr(&cfg.StorageDir, "STORAGE_DIR")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setBool(&cfg.LogJSON, "LOG_JSON")
	setStr(&cfg.DatabasePath, "DATABASE_PATH")

	setStr(&cfg.QdrantHost, "QDRANT_HOST")
	setInt(&cfg.QdrantPort, "QDRANT_PORT")
	setStr(&cfg.QdrantAPIKey, "QDRANT_API_KEY")
	setStr(&cfg.CollectionPrefix, "COLLECTION_PREFIX")
	setBool(&cfg.VectorCompression, "VECTOR_COMPRESSION")

	setStr(&cfg.RedisAddr, "REDIS_ADDR")
	setStr(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")

	setInt(&cfg.ChunkSize, "CHUNK_SIZE")
	setInt(&cfg.ChunkOverlap, "CHUNK_OVERLAP")
	setInt(&cfg.MaxChunksPerUser, "MAX_CHUNKS_PER_USER")
	setInt(&cfg.MaxSegmentationTokens, "MAX_SEGMENTATION_TOKENS")
	setStr(&cfg.ChunkingEngine, "CHUNKING_ENGINE")

	setInt(&cfg.MaxDocumentsPerUser, "MAX_DOCUMENTS_PER_USER")
	setInt64(&cfg.MaxFileSize, "MAX_FILE_SIZE")

	setInt(&cfg.EmbeddingDimensions, "EMBEDDING_DIMENSIONS")
	setStr(&cfg.DefaultRetrievalMethod, "DEFAULT_RETRIEVAL_METHOD")
	setStr(&cfg.RerankingMode, "RERANKING_MODE")
	setFloat(&cfg.HybridVectorWeight, "HYBRID_VECTOR_WEIGHT")
	setFloat(&cfg.HybridKeywordWeight, "HYBRID_KEYWORD_WEIGHT")

	setBool(&cfg.LoadBalancingEnabled, "LOAD_BALANCING_ENABLED")
	setStr(&cfg.LoadBalancingStrategy, "LOAD_BALANCING_STRATEGY")
	if v := os.Getenv("LOAD_BALANCING_WEIGHTS"); v != "" {
		cfg.LoadBalancingWeights = parseWeights(v)
	}

	setInt(&cfg.KBRetrievalRPM, "KB_RETRIEVAL_RPM")
	setInt(&cfg.KBEmbeddingRPM, "KB_EMBEDDING_RPM")
	setInt(&cfg.KBUploadPerHour, "KB_UPLOAD_PER_HOUR")

	setStr(&cfg.DifyBaseURL, "DIFY_BASE_URL")
	setStr(&cfg.DifyAPIKey, "DIFY_API_KEY")

	if v := os.Getenv("REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeout = time.Duration(n) * time.Second
		}
	}

	setBool(&cfg.LibraryAutoImportEnabled, "LIBRARY_AUTO_IMPORT_ENABLED")
	if v := os.Getenv("LIBRARY_AUTO_IMPORT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LibraryAutoImportInterval = time.Duration(n) * time.Minute
		}
	}
	setStr(&cfg.LibraryDir, "LIBRARY_DIR")

	setInt(&cfg.JobWorkers, "JOB_WORKERS")
	setInt(&cfg.RetrievalWorkers, "RETRIEVAL_WORKERS")

	// Vendor credentials: <VENDOR>_API_KEY / <VENDOR>_BASE_URL
	for _, vendor := range []string{"dashscope", "volcengine", "moonshot", "hunyuan", "deepseek"} {
		key := os.Getenv(strings.ToUpper(vendor) + "_API_KEY")
		url := os.Getenv(strings.ToUpper(vendor) + "_BASE_URL")
		if key == "" && url == "" {
			continue
		}
		pc := cfg.Providers[vendor]
		if key != "" {
			pc.APIKey = key
		}
		if url != "" {
			pc.BaseURL = url
		}
		cfg.Providers[vendor] = pc
	}
}

// normalize applies defaulting, clamping and validation rules.
func (c *Config) normalize() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > c.MaxSegmentationTokens {
		log.Logger.Warn().
			Int("chunk_size", c.ChunkSize).
			Int("default", DefaultChunkSize).
			Msg("chunk size out of bounds, using default")
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = DefaultChunkOverlap
	}

	if !validDimensions[c.EmbeddingDimensions] {
		return fmt.Errorf("invalid EMBEDDING_DIMENSIONS %d: must be one of 64,128,256,512,768,1024,1536,2048", c.EmbeddingDimensions)
	}

	switch c.DefaultRetrievalMethod {
	case "semantic", "keyword", "hybrid":
	default:
		return fmt.Errorf("invalid DEFAULT_RETRIEVAL_METHOD %q", c.DefaultRetrievalMethod)
	}
	switch c.RerankingMode {
	case "reranking_model", "weighted_score", "none":
	default:
		return fmt.Errorf("invalid RERANKING_MODE %q", c.RerankingMode)
	}
	switch c.ChunkingEngine {
	case "semchunk", "mindchunk":
	default:
		return fmt.Errorf("invalid CHUNKING_ENGINE %q", c.ChunkingEngine)
	}
	switch c.LoadBalancingStrategy {
	case "round_robin", "random", "weighted":
	default:
		return fmt.Errorf("invalid LOAD_BALANCING_STRATEGY %q", c.LoadBalancingStrategy)
	}

	if c.HybridVectorWeight < 0 || c.HybridKeywordWeight < 0 ||
		c.HybridVectorWeight+c.HybridKeywordWeight == 0 {
		c.HybridVectorWeight = 0.5
		c.HybridKeywordWeight = 0.5
	}

	c.LoadBalancingWeights = NormalizeWeights(c.LoadBalancingWeights)
	return nil
}

// NormalizeWeights clamps each weight into [0,100] and scales the set to
// sum to exactly 100. A zero sum yields an even split (50/50 for two
// entries). Rounding remainders go to the heaviest entry so the sum is
// exact.
func NormalizeWeights(weights map[string]int) map[string]int {
	if len(weights) == 0 {
		return weights
	}

	clamped := make(map[string]int, len(weights))
	sum := 0
	for name, w := range weights {
		if w < 0 {
			w = 0
		}
		if w > 100 {
			w = 100
		}
		clamped[name] = w
		sum += w
	}

	if sum == 0 {
		even := 100 / len(clamped)
		out := make(map[string]int, len(clamped))
		rest := 100
		heaviest := ""
		for name := range clamped {
			out[name] = even
			rest -= even
			if heaviest == "" || name < heaviest {
				heaviest = name
			}
		}
		out[heaviest] += rest
		return out
	}

	out := make(map[string]int, len(clamped))
	total := 0
	heaviest := ""
	for name, w := range clamped {
		scaled := w * 100 / sum
		out[name] = scaled
		total += scaled
		if heaviest == "" || clamped[name] > clamped[heaviest] ||
			(clamped[name] == clamped[heaviest] && name < heaviest) {
			heaviest = name
		}
	}
	out[heaviest] += 100 - total
	return out
}

// parseWeights parses "dashscope:10,volcengine:90" into a weight map.
func parseWeights(s string) map[string]int {
	out := map[string]int{}
	for _, part := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			continue
		}
		w, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(kv[0])] = w
	}
	return out
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
