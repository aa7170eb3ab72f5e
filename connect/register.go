// Package connect registers this module with the coordination server
// and keeps a websocket work channel open so the server can dispatch
// jobs to it.
package connect

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forecast_platform/config"
)

// ModuleHashFile stores the hash returned by module registration
const ModuleHashFile = "data/module_hash.txt"

// ModuleInfo describes this module to the coordination server
type ModuleInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputData   []string `json:"input_data"`
	OutputData  []string `json:"output_data"`
	ModelHash   string   `json:"model_hash"`
}

// DefaultModuleInfo is sent when the caller provides nothing else
var DefaultModuleInfo = ModuleInfo{
	Name:        "forecast-platform",
	Description: "Licensed market data fetcher with weather collection and signal monitors",
	InputData:   []string{},
	OutputData:  []string{},
}

type registerResponse struct {
	Result struct {
		Hash string `json:"hash"`
	} `json:"result"`
}

// RegisterModule registers the module with the coordination server and
// persists the returned hash. Returns the hash on success.
func RegisterModule(cfg *config.Config, info ModuleInfo) (string, error) {
	if cfg.ServerIP == "" || cfg.ServerPort == 0 {
		return "", fmt.Errorf("coordination server not configured")
	}

	inputData, err := json.Marshal(info.InputData)
	if err != nil {
		return "", err
	}
	outputData, err := json.Marshal(info.OutputData)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("name", info.Name)
	params.Set("description", info.Description)
	params.Set("input_data", string(inputData))
	params.Set("output_data", string(outputData))
	params.Set("modelHash", info.ModelHash)

	endpoint := fmt.Sprintf("http://%s:%d/module/register?%s", cfg.ServerIP, cfg.ServerPort, params.Encode())
	client := &http.Client{Timeout: 15 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return "", fmt.Errorf("module registration failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("module registration rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed registerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode registration response: %w", err)
	}
	if parsed.Result.Hash == "" {
		return "", fmt.Errorf("registration response has no hash")
	}

	if err := SaveModuleHash(parsed.Result.Hash); err != nil {
		log.Printf("Warning: failed to persist module hash: %v", err)
	}
	log.Printf("Module registered, hash %s", parsed.Result.Hash)
	return parsed.Result.Hash, nil
}

// SaveModuleHash writes the module hash to its well known location
func SaveModuleHash(hash string) error {
	if err := os.MkdirAll(filepath.Dir(ModuleHashFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(ModuleHashFile, []byte(hash), 0644)
}

// LoadModuleHash reads a previously saved module hash
func LoadModuleHash() (string, error) {
	data, err := os.ReadFile(ModuleHashFile)
	if err != nil {
		return "", fmt.Errorf("module hash not found, register the module first: %w", err)
	}
	hash := strings.TrimSpace(string(data))
	if hash == "" {
		return "", fmt.Errorf("module hash file is empty")
	}
	return hash, nil
}
