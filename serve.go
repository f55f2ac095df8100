package main

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/devatadev/gowvcdm/wv"
)

type Config struct {
	Serve   Serve                   `yaml:"serve"`
	Users   map[string]User         `yaml:"users"`
	Devices map[string]DeviceConfig `yaml:"devices"`
}

type User struct {
	Devices []string `yaml:"devices"`
	Name    string   `yaml:"name"`
}

type Serve struct {
	Port             int64  `yaml:"port" envconfig:"WVCDM_PORT"`
	Host             string `yaml:"host" envconfig:"WVCDM_HOST"`
	Mode             string `yaml:"mode" envconfig:"WVCDM_MODE"`
	ForcePrivacyMode bool   `yaml:"force_privacy_mode" envconfig:"WVCDM_FORCE_PRIVACY"`
}

type DeviceConfig struct {
	SystemID   uint32 `yaml:"system_id"`
	TokenFile  string `yaml:"token_file"`
	KeyFile    string `yaml:"key_file"`
	StoreDir   string `yaml:"store_dir"`
	ServerURL  string `yaml:"server_url"`
	Model      string `yaml:"model"`
	Product    string `yaml:"product"`
	Build      string `yaml:"build"`
	PatchLevel string `yaml:"patch_level"`
}

var (
	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wvcdm_sessions_opened_total",
		Help: "Sessions opened across all devices.",
	})
	keysAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wvcdm_keys_added_total",
		Help: "License responses accepted.",
	})
	requestErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wvcdm_request_errors_total",
		Help: "Failed protocol operations.",
	})
)

func readConfig() *Config {
	yamlFile, err := os.ReadFile("./serve.yaml")
	if err != nil {
		panic(err)
	}

	var config Config
	if err = yaml.Unmarshal(yamlFile, &config); err != nil {
		panic(err)
	}
	if err = envconfig.Process("wvcdm", &config.Serve); err != nil {
		panic(err)
	}
	return &config
}

func openCDM(name string, cfg DeviceConfig, forcePrivacy bool) (*wv.CDM, error) {
	token, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", cfg.KeyFile)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	device, err := wv.NewDevice(
		wv.WithToken(token),
		wv.WithPrivateKey(key),
		wv.WithWrappedKey(x509.MarshalPKCS1PrivateKey(key)),
		wv.WithSystemId(cfg.SystemID),
		wv.WithProperties(wv.StaticProperties{
			Model:      cfg.Model,
			Product:    cfg.Product,
			Build:      cfg.Build,
			PatchLevel: cfg.PatchLevel,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create device %s: %w", name, err)
	}

	provider, err := wv.NewEngineProvider(nil, wv.NewSoftwareEngine(device))
	if err != nil {
		return nil, err
	}

	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./licenses/" + name
	}
	store, err := wv.NewLicenseStore(nil, storeDir, wv.LevelL3)
	if err != nil {
		return nil, fmt.Errorf("open license store: %w", err)
	}

	opts := []wv.CDMOption{
		wv.WithStore(store),
		wv.WithServerURL(cfg.ServerURL),
	}
	if forcePrivacy {
		opts = append(opts, wv.WithPrivacyMode(true))
	}
	return wv.NewCDM(device, provider, opts...), nil
}

func abortJSON(c *gin.Context, status int, message string) {
	requestErrors.Inc()
	c.JSON(status, gin.H{"status": status, "message": message})
	c.Abort()
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	config := readConfig()
	mode := config.Serve.Mode
	if mode == "" || mode == "prod" || mode == "production" {
		mode = "release"
	} else {
		mode = "debug"
	}
	var router *gin.Engine
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
		gin.DefaultWriter = io.Discard
		router = gin.New()
	} else {
		router = gin.Default()
	}

	// openedCdm is shared by concurrent handlers; cdmMu guards it.
	openedCdm := make(map[string]*wv.CDM)
	var cdmMu sync.Mutex
	licenseType := func(c *gin.Context) wv.LicenseType {
		switch c.Query("license_type") {
		case "offline":
			return wv.LicenseTypeOffline
		case "release":
			return wv.LicenseTypeRelease
		default:
			return wv.LicenseTypeStreaming
		}
	}

	// middleware check for secret key
	router.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/ping" {
			c.Next()
			return
		}
		secretKey := c.Request.Header["X-Secret-Key"]
		if secretKey == nil || config.Users[secretKey[0]].Name == "" {
			abortJSON(c, 401, "Unauthorized")
			return
		}
		c.Set("secret_key", secretKey[0])
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		c.Header("X-Request-Via", "GoWVCDM")
		c.Next()
	})

	// deviceCDM resolves the per-device engine after the ACL check.
	deviceCDM := func(c *gin.Context) (*wv.CDM, bool) {
		secretKey, _ := c.Get("secret_key")
		deviceName := c.Param("device")
		if !slices.Contains(config.Users[secretKey.(string)].Devices, deviceName) {
			abortJSON(c, 401, "Unauthorized")
			return nil, false
		}
		cdmMu.Lock()
		defer cdmMu.Unlock()
		if cdm, ok := openedCdm[deviceName]; ok {
			return cdm, true
		}
		deviceCfg, ok := config.Devices[deviceName]
		if !ok {
			abortJSON(c, 400, "Unknown device")
			return nil, false
		}
		cdm, err := openCDM(deviceName, deviceCfg, config.Serve.ForcePrivacyMode)
		if err != nil {
			log.Error("open cdm", "device", deviceName, "err", err)
			abortJSON(c, 500, "Failed to open device")
			return nil, false
		}
		openedCdm[deviceName] = cdm
		return cdm, true
	}

	jsonBody := func(c *gin.Context) (map[string]string, bool) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortJSON(c, 400, "Failed to read request body")
			return nil, false
		}
		decoded := make(map[string]string)
		if err := json.Unmarshal(body, &decoded); err != nil {
			abortJSON(c, 400, "Failed to parse request body")
			return nil, false
		}
		return decoded, true
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": 200, "message": "GoWVCDM is running!"})
	})
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": 200, "message": "pong"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/:device/open", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		session, err := cdm.OpenSession(wv.WidevineKeySystem, licenseType(c), nil)
		if err != nil {
			abortJSON(c, 400, "Failed to open session : "+err.Error())
			return
		}
		sessionsOpened.Inc()
		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data": gin.H{
				"session_id": session.ID(),
				"system_id":  cdm.GetSystemId(),
			},
		})
	})

	router.GET("/:device/close/:session_id", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		if err := cdm.CloseSession(c.Param("session_id")); err != nil {
			abortJSON(c, 400, "Failed to close session")
			return
		}
		c.JSON(200, gin.H{"status": 200, "message": "Session closed"})
	})

	router.POST("/:device/generate_license_request", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		body, ok := jsonBody(c)
		if !ok {
			return
		}
		session, err := cdm.GetSession(body["session_id"])
		if err != nil {
			abortJSON(c, 400, "Opened session not found")
			return
		}
		initData, err := base64.StdEncoding.DecodeString(body["init_data"])
		if err != nil {
			abortJSON(c, 400, "Failed to decode init data")
			return
		}
		psshData, err := wv.ExtractWidevinePSSH(initData)
		if err != nil {
			// Accept bare payloads that are not boxed.
			psshData = initData
		}
		request, url, status, err := session.GenerateKeyRequest(psshData, nil)
		if err != nil {
			abortJSON(c, 400, "Failed to generate request : "+err.Error())
			return
		}
		c.JSON(200, gin.H{
			"status":  200,
			"message": status.String(),
			"data": gin.H{
				"request_b64": base64.StdEncoding.EncodeToString(request),
				"server_url":  url,
			},
		})
	})

	router.POST("/:device/add_key", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		body, ok := jsonBody(c)
		if !ok {
			return
		}
		session, err := cdm.GetSession(body["session_id"])
		if err != nil {
			abortJSON(c, 400, "Opened session not found")
			return
		}
		response, err := base64.StdEncoding.DecodeString(body["response"])
		if err != nil {
			abortJSON(c, 400, "Failed to decode response")
			return
		}
		keySetID, status, err := session.AddKey(response)
		if err != nil {
			abortJSON(c, 400, "Failed to add key : "+err.Error())
			return
		}
		keysAdded.Inc()
		keys := make([]gin.H, 0)
		for _, key := range session.LoadedKeys() {
			keys = append(keys, gin.H{
				"key_id": key.KeyIdHex(),
				"type":   key.Type.String(),
			})
		}
		c.JSON(200, gin.H{
			"status":  200,
			"message": status.String(),
			"data": gin.H{
				"key_set_id": keySetID,
				"keys":       keys,
			},
		})
	})

	router.POST("/:device/restore/:key_set_id", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		session, err := cdm.RestoreOfflineSession(c.Param("key_set_id"), nil)
		if err != nil {
			abortJSON(c, 400, "Failed to restore session : "+err.Error())
			return
		}
		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data":    gin.H{"session_id": session.ID()},
		})
	})

	router.POST("/:device/release/:key_set_id", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		request, url, err := cdm.GenerateReleaseRequest(c.Param("key_set_id"))
		if err != nil {
			abortJSON(c, 400, "Failed to generate release request : "+err.Error())
			return
		}
		c.JSON(200, gin.H{
			"status":  200,
			"message": "Success",
			"data": gin.H{
				"request_b64": base64.StdEncoding.EncodeToString(request),
				"server_url":  url,
			},
		})
	})

	router.POST("/:device/release_ack/:key_set_id", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		body, ok := jsonBody(c)
		if !ok {
			return
		}
		response, err := base64.StdEncoding.DecodeString(body["response"])
		if err != nil {
			abortJSON(c, 400, "Failed to decode response")
			return
		}
		if err := cdm.ProcessReleaseResponse(c.Param("key_set_id"), response); err != nil {
			abortJSON(c, 400, "Failed to process release : "+err.Error())
			return
		}
		c.JSON(200, gin.H{"status": 200, "message": "Released"})
	})

	router.GET("/:device/query/:session_id", func(c *gin.Context) {
		cdm, ok := deviceCDM(c)
		if !ok {
			return
		}
		session, err := cdm.GetSession(c.Param("session_id"))
		if err != nil {
			abortJSON(c, 400, "Opened session not found")
			return
		}
		fields, err := session.Query()
		if err != nil {
			abortJSON(c, 400, "No license : "+err.Error())
			return
		}
		c.JSON(200, gin.H{"status": 200, "message": "Success", "data": fields})
	})

	address := config.Serve.Host + ":" + strconv.FormatInt(config.Serve.Port, 10)
	log.Info("server starting", "address", address, "mode", mode)
	if err := router.Run(address); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}
