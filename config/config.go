package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Engine 播放引擎参数，所有字段都有默认值
type Engine struct {
	PoolCapacity      int           // 音频输出句柄池容量
	SyncThrottle      time.Duration // 同步入口最小间隔
	SyncDebounce      time.Duration // 同步工作延迟合并窗口
	DriftThreshold    float64       // 漂移纠正阈值（秒）
	GridSnapMs        int64         // 网格吸附（毫秒）
	SnapDistancePx    float64       // 边缘吸附距离（像素）
	DragThresholdPx   float64       // 拖拽起始阈值（像素）
	DragThrottle      time.Duration // 拖拽移动事件节流
	AssetURLTTL       time.Duration // 成功解析结果缓存时间
	AssetErrorBackoff time.Duration // 失败解析重试间隔
	DurationPaddingMs int64         // 时间线总时长尾部留白
	FrameInterval     time.Duration // 帧回调间隔
}

// Config stores the application configuration.
type Config struct {
	Engine Engine

	HTTPAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	PresignExpiry  time.Duration

	// 资源库服务
	AssetStoreURL   string
	AssetStoreToken string
	BillingOutage   bool // 模拟计费故障，/assets/{id}/url 返回 503
	JWTSecret       string

	LogLevel   string
	LogPath    string
	LogMaxSize int
}

// DefaultEngine returns the engine knobs with their documented defaults.
func DefaultEngine() Engine {
	return Engine{
		PoolCapacity:      8,
		SyncThrottle:      16 * time.Millisecond,
		SyncDebounce:      5 * time.Millisecond,
		DriftThreshold:    0.1,
		GridSnapMs:        100,
		SnapDistancePx:    12,
		DragThresholdPx:   4,
		DragThrottle:      16 * time.Millisecond,
		AssetURLTTL:       5 * time.Minute,
		AssetErrorBackoff: 30 * time.Second,
		DurationPaddingMs: 5000,
		FrameInterval:     16 * time.Millisecond,
	}
}

// Default returns a configuration built only from defaults, without reading the environment.
func Default() *Config {
	return &Config{
		Engine:        DefaultEngine(),
		HTTPAddr:      ":8080",
		DBHost:        "127.0.0.1",
		DBPort:        "3306",
		DBUser:        "root",
		DBName:        "clipdeck",
		RedisHost:     "127.0.0.1",
		RedisPort:     "6379",
		MinioEndpoint: "127.0.0.1:9000",
		MinioBucket:   "clipdeck",
		MinioRegion:   "us-east-1",
		PresignExpiry: 15 * time.Minute,
		AssetStoreURL: "http://127.0.0.1:8080",
		JWTSecret:     "clipdeck-dev-secret",
		LogLevel:      "info",
		LogMaxSize:    100,
	}
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings such as "16ms" or "5m".
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	def := Default()
	e := def.Engine

	return &Config{
		Engine: Engine{
			PoolCapacity:      getEnvInt("POOL_CAPACITY", e.PoolCapacity),
			SyncThrottle:      getEnvDuration("SYNC_THROTTLE", e.SyncThrottle),
			SyncDebounce:      getEnvDuration("SYNC_DEBOUNCE", e.SyncDebounce),
			DriftThreshold:    getEnvFloat("DRIFT_THRESHOLD", e.DriftThreshold),
			GridSnapMs:        getEnvInt64("GRID_SNAP_MS", e.GridSnapMs),
			SnapDistancePx:    getEnvFloat("SNAP_DISTANCE_PX", e.SnapDistancePx),
			DragThresholdPx:   getEnvFloat("DRAG_THRESHOLD_PX", e.DragThresholdPx),
			DragThrottle:      getEnvDuration("DRAG_THROTTLE", e.DragThrottle),
			AssetURLTTL:       getEnvDuration("ASSET_URL_TTL", e.AssetURLTTL),
			AssetErrorBackoff: getEnvDuration("ASSET_ERROR_BACKOFF", e.AssetErrorBackoff),
			DurationPaddingMs: getEnvInt64("DURATION_PADDING_MS", e.DurationPaddingMs),
			FrameInterval:     getEnvDuration("FRAME_INTERVAL", e.FrameInterval),
		},
		HTTPAddr:        getEnv("HTTP_ADDR", def.HTTPAddr),
		DBHost:          getEnv("DB_HOST", def.DBHost),
		DBPort:          getEnv("DB_PORT", def.DBPort),
		DBUser:          getEnv("DB_USER", def.DBUser),
		DBPassword:      os.Getenv("DB_PASSWORD"), // 密码不设默认值
		DBName:          getEnv("DB_NAME", def.DBName),
		RedisHost:       getEnv("REDIS_HOST", def.RedisHost),
		RedisPort:       getEnv("REDIS_PORT", def.RedisPort),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		MinioEndpoint:   getEnv("MINIO_ENDPOINT", def.MinioEndpoint),
		MinioAccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:     getEnv("MINIO_BUCKET", def.MinioBucket),
		MinioRegion:     getEnv("MINIO_REGION", def.MinioRegion),
		MinioUseSSL:     getEnvBool("MINIO_USE_SSL", false),
		PresignExpiry:   getEnvDuration("MINIO_PRESIGN_EXPIRY", def.PresignExpiry),
		AssetStoreURL:   getEnv("ASSET_STORE_URL", def.AssetStoreURL),
		AssetStoreToken: getEnv("ASSET_STORE_TOKEN", ""),
		BillingOutage:   getEnvBool("ASSET_STORE_BILLING_OUTAGE", false),
		JWTSecret:       getEnv("JWT_SECRET", def.JWTSecret),
		LogLevel:        getEnv("LOG_LEVEL", def.LogLevel),
		LogPath:         getEnv("LOG_PATH", ""),
		LogMaxSize:      getEnvInt("LOG_MAX_SIZE", def.LogMaxSize),
	}
}
