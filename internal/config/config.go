package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress     string
	AuthPassword    string
	ICEServersJSON  string
	AssemblyAIKey   string
	CerebrasKey     string
	CerebrasModelID string
	DeepgramKey     string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	iceServers := os.Getenv("ICE_SERVERS_JSON")
	if iceServers == "" {
		iceServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - speech capture will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "gpt-oss-120b"
	}
	if cerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - reply generation will not work")
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - participant voices will not work")
	}

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress:     addr,
		AuthPassword:    os.Getenv("SESSION_PASSWORD"),
		ICEServersJSON:  iceServers,
		AssemblyAIKey:   assemblyAIKey,
		CerebrasKey:     cerebrasKey,
		CerebrasModelID: cerebrasModel,
		DeepgramKey:     deepgramKey,
	}
}
