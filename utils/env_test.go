package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnv(t *testing.T) {
	// 创建测试 .env 文件
	testEnvContent := `
# Test comment
TEST_KEY=test_value
TEST_INT=123
TEST_BOOL=true
TEST_STRING="quoted string"
TEST_STRING2='single quoted'
`

	envFile := filepath.Join(t.TempDir(), ".env.test")
	err := os.WriteFile(envFile, []byte(testEnvContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test .env file: %v", err)
	}

	// 加载测试环境
	err = LoadEnv(envFile)
	if err != nil {
		t.Fatalf("Failed to load .env file: %v", err)
	}

	// 测试获取值
	if v := GetEnv("TEST_KEY"); v != "test_value" {
		t.Errorf("Expected 'test_value', got '%s'", v)
	}

	if v := GetIntEnvWithDefault("TEST_INT", 0); v != 123 {
		t.Errorf("Expected 123, got %d", v)
	}

	if v := GetBoolEnvWithDefault("TEST_BOOL", false); v != true {
		t.Errorf("Expected true, got %v", v)
	}

	if v := GetEnv("TEST_STRING"); v != "quoted string" {
		t.Errorf("Expected 'quoted string', got '%s'", v)
	}

	if v := GetEnv("TEST_STRING2"); v != "single quoted" {
		t.Errorf("Expected 'single quoted', got '%s'", v)
	}
}

func TestGetEnvWithDefault(t *testing.T) {
	// 测试不存在的键
	if v := GetEnvWithDefault("NON_EXISTENT_KEY", "default"); v != "default" {
		t.Errorf("Expected 'default', got '%s'", v)
	}

	// 测试存在的键
	os.Setenv("EXISTING_KEY", "existing_value")
	if v := GetEnvWithDefault("EXISTING_KEY", "default"); v != "existing_value" {
		t.Errorf("Expected 'existing_value', got '%s'", v)
	}
	os.Unsetenv("EXISTING_KEY")
}

func TestGetIntEnvWithDefault(t *testing.T) {
	if v := GetIntEnvWithDefault("NON_EXISTENT_INT", 999); v != 999 {
		t.Errorf("Expected 999, got %d", v)
	}

	os.Setenv("EXISTING_INT", "456")
	if v := GetIntEnvWithDefault("EXISTING_INT", 999); v != 456 {
		t.Errorf("Expected 456, got %d", v)
	}
	os.Unsetenv("EXISTING_INT")
}

func TestReadAuthFile(t *testing.T) {
	// NONE 表示禁用认证
	secret, err := ReadAuthFile("NONE")
	if err != nil || secret != "" {
		t.Errorf("NONE should disable auth, got (%q, %v)", secret, err)
	}

	// 只取第一行第一个词
	authFile := filepath.Join(t.TempDir(), ".redis.auth")
	if err := os.WriteFile(authFile, []byte("s3cret extra\nsecond line\n"), 0600); err != nil {
		t.Fatalf("Failed to write auth file: %v", err)
	}

	secret, err = ReadAuthFile(authFile)
	if err != nil {
		t.Fatalf("ReadAuthFile failed: %v", err)
	}
	if secret != "s3cret" {
		t.Errorf("Expected 's3cret', got '%s'", secret)
	}

	// 文件不存在
	if _, err := ReadAuthFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing auth file")
	}
}

func TestLoadConfig(t *testing.T) {
	os.Unsetenv("DBR_SERVER")
	os.Unsetenv("DBR_AUTHFILE")
	os.Unsetenv("DBR_TIMEOUT")

	cfg := LoadConfig()
	if cfg.ServerURL != DefaultServer {
		t.Errorf("Expected default server, got '%s'", cfg.ServerURL)
	}
	if cfg.AuthFile != DefaultAuthFile {
		t.Errorf("Expected default auth file, got '%s'", cfg.AuthFile)
	}
	if cfg.Timeout != DefaultTimeoutSec*time.Second {
		t.Errorf("Expected default timeout, got %v", cfg.Timeout)
	}

	// 0 表示永不超时
	os.Setenv("DBR_TIMEOUT", "0")
	cfg = LoadConfig()
	if !cfg.NoTimeout() {
		t.Error("DBR_TIMEOUT=0 should mean no timeout")
	}
	os.Unsetenv("DBR_TIMEOUT")

	os.Setenv("DBR_SERVER", "sock://node1:7000")
	cfg = LoadConfig()
	if cfg.ServerURL != "sock://node1:7000" {
		t.Errorf("Expected 'sock://node1:7000', got '%s'", cfg.ServerURL)
	}
	os.Unsetenv("DBR_SERVER")
}
