package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/guseggert/backendproxy/config"
	"github.com/guseggert/backendproxy/supervisor"
)

var _ = Describe("Config", func() {
	var (
		tempDir string
		origDir string
	)

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "backendproxy-config-*")
		Expect(err).NotTo(HaveOccurred())
		origDir, err = os.Getwd()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.Chdir(origDir)).To(Succeed())
		os.RemoveAll(tempDir)
		os.Unsetenv("BACKENDPROXY_BACKEND_PORT")
		os.Unsetenv("BACKENDPROXY_HEALTH_POLICY")
		os.Unsetenv("BACKENDPROXY_BACKEND_ARGS")
	})

	writeConfig := func(name, content string) string {
		p := filepath.Join(tempDir, name)
		Expect(os.WriteFile(p, []byte(content), 0644)).To(Succeed())
		return p
	}

	Describe("Load", func() {
		Context("without a config file", func() {
			BeforeEach(func() {
				Expect(os.Chdir(tempDir)).To(Succeed())
			})

			It("should use defaults", func() {
				cfg, err := config.Load("", nil)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.Address).To(Equal("0.0.0.0:8001"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvDev))
				Expect(cfg.Backend.Host).To(Equal("localhost"))
				Expect(cfg.Backend.Port).To(Equal(4000))
				Expect(cfg.Backend.Managed).To(BeTrue())
				Expect(cfg.Backend.Command).To(Equal("node"))
				Expect(cfg.Backend.Args).To(Equal([]string{"dist/server.js"}))
				Expect(cfg.Backend.InheritEnv).To(BeTrue())
				Expect(cfg.Backend.Output).To(Equal(config.OutputCapture))
				Expect(cfg.Backend.GracePeriod).To(Equal(10 * time.Second))
				Expect(cfg.Health.Path).To(Equal("/health"))
				Expect(cfg.Health.MaxAttempts).To(Equal(30))
				Expect(cfg.Health.Interval).To(Equal(time.Second))
				Expect(cfg.Health.AttemptTimeout).To(Equal(2 * time.Second))
				Expect(cfg.Health.Policy).To(Equal(config.PolicyBestEffort))
				Expect(cfg.Forward.Timeout).To(Equal(300 * time.Second))
				Expect(cfg.Relay.DialTimeout).To(Equal(10 * time.Second))
				Expect(cfg.Relay.ReadLimit).To(Equal(int64(1 << 20)))
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelInfo))
			})

			It("should derive the backend URL", func() {
				cfg, err := config.Load("", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.BackendURL()).To(Equal("http://localhost:4000"))
			})
		})

		Context("with a config file in the working directory", func() {
			BeforeEach(func() {
				writeConfig("backendproxy.yaml", `
server:
  address: "127.0.0.1:9000"
  environment: "prod"

backend:
  port: 5000
  working_dir: "/app/backend"
  command: "./bin/server"
  args: ["--port", "5000"]
  env: ["NODE_ENV=production"]
  inherit_env: false
  output: "inherit"
  grace_period: "3s"

health:
  interval: "250ms"
  policy: "fail-fast"

logging:
  level: "debug"
`)
				Expect(os.Chdir(tempDir)).To(Succeed())
			})

			It("should load it over the defaults", func() {
				cfg, err := config.Load("", nil)
				Expect(err).NotTo(HaveOccurred())

				Expect(cfg.Server.Address).To(Equal("127.0.0.1:9000"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvProd))
				Expect(cfg.Backend.Host).To(Equal("localhost"))
				Expect(cfg.Backend.Port).To(Equal(5000))
				Expect(cfg.Backend.GracePeriod).To(Equal(3 * time.Second))
				Expect(cfg.Health.Interval).To(Equal(250 * time.Millisecond))
				Expect(cfg.Health.MaxAttempts).To(Equal(30))
				Expect(cfg.Health.Policy).To(Equal(config.PolicyFailFast))
				Expect(cfg.OutputMode()).To(Equal(supervisor.OutputInherit))
			})

			It("should build the backend start request", func() {
				cfg, err := config.Load("", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.StartRequest()).To(Equal(supervisor.StartRequest{
					WorkingDir: "/app/backend",
					Command:    "./bin/server",
					Args:       []string{"--port", "5000"},
					Env:        []string{"NODE_ENV=production"},
					InheritEnv: false,
				}))
			})

			It("should let environment variables win over the file", func() {
				os.Setenv("BACKENDPROXY_BACKEND_PORT", "6000")
				os.Setenv("BACKENDPROXY_HEALTH_POLICY", "best-effort")

				cfg, err := config.Load("", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backend.Port).To(Equal(6000))
				Expect(cfg.Health.Policy).To(Equal(config.PolicyBestEffort))
			})

			It("should let overrides win over everything", func() {
				os.Setenv("BACKENDPROXY_BACKEND_PORT", "6000")

				cfg, err := config.Load("", map[string]any{
					"backend.port":   7000,
					"server.address": "127.0.0.1:9100",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backend.Port).To(Equal(7000))
				Expect(cfg.Server.Address).To(Equal("127.0.0.1:9100"))
			})
		})

		Context("with a config file in a parent directory", func() {
			It("should find it from a nested working directory", func() {
				writeConfig("backendproxy.yaml", "backend:\n  port: 4200\n")
				nested := filepath.Join(tempDir, "service", "src")
				Expect(os.MkdirAll(nested, 0755)).To(Succeed())
				Expect(os.Chdir(nested)).To(Succeed())

				cfg, err := config.Load("", nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backend.Port).To(Equal(4200))
			})
		})

		Context("with an explicit path", func() {
			It("should read that file", func() {
				p := writeConfig("custom.yaml", "backend:\n  port: 4100\n")
				cfg, err := config.Load(p, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backend.Port).To(Equal(4100))
			})

			It("should fail when the file is missing", func() {
				_, err := config.Load(filepath.Join(tempDir, "missing.yaml"), nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("reading config file"))
			})

			It("should fail on malformed YAML", func() {
				p := writeConfig("broken.yaml", "backend: [port: 1\n")
				_, err := config.Load(p, nil)
				Expect(err).To(HaveOccurred())
			})
		})

		Context("with invalid values", func() {
			DescribeTable("should reject",
				func(key string, value any, field string) {
					Expect(os.Chdir(tempDir)).To(Succeed())
					_, err := config.Load("", map[string]any{key: value})
					Expect(err).To(HaveOccurred())
					Expect(err.Error()).To(ContainSubstring("invalid config"))
					Expect(err.Error()).To(ContainSubstring(field))
				},
				Entry("a bad listen address", "server.address", "no-port", "Address"),
				Entry("an unknown environment", "server.environment", "qa", "Environment"),
				Entry("a port out of range", "backend.port", 70000, "Port"),
				Entry("a bad backend host", "backend.host", "bad host!", "Host"),
				Entry("a missing command for a managed backend", "backend.command", "", "Command"),
				Entry("a malformed env pair", "backend.env", []string{"NOEQUALS"}, "Env"),
				Entry("an unknown output mode", "backend.output", "syslog", "Output"),
				Entry("a zero grace period", "backend.grace_period", "0s", "GracePeriod"),
				Entry("a relative health path", "health.path", "health", "Path"),
				Entry("zero health attempts", "health.max_attempts", 0, "MaxAttempts"),
				Entry("an unknown startup policy", "health.policy", "yolo", "Policy"),
				Entry("a zero forward timeout", "forward.timeout", "0s", "Timeout"),
				Entry("a zero read limit", "relay.read_limit", 0, "ReadLimit"),
				Entry("an unknown log level", "logging.level", "trace", "Level"),
			)

			It("should allow an unmanaged backend without a command", func() {
				Expect(os.Chdir(tempDir)).To(Succeed())
				cfg, err := config.Load("", map[string]any{
					"backend.managed": false,
					"backend.command": "",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backend.Managed).To(BeFalse())
			})
		})
	})
})
