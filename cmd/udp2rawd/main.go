package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/ihub-2020/udp2rawd/pkg/api/daemon/router"
	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/iptables"
	"github.com/ihub-2020/udp2rawd/pkg/process"
	"github.com/ihub-2020/udp2rawd/pkg/supervisor"
	pkgversion "github.com/ihub-2020/udp2rawd/pkg/version"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

var (
	socketFile  string
	configFile  string
	pidFile     string
	logFilePath string
	binaryPath  string
)

func main() {
	unix.Umask(0o077) // https://github.com/golang/go/issues/11822#issuecomment-123850227

	flag.StringVar(&socketFile, "socket", "/run/udp2rawd.sock", "Socket file")
	flag.StringVar(&configFile, "config", "/etc/udp2rawd/config.json", "Configuration file")
	flag.StringVar(&pidFile, "pid-file", "", "Pid file")
	flag.StringVar(&logFilePath, "log-file", "", "Output logs to file")
	flag.StringVar(&binaryPath, "binary", "udp2raw", "udp2raw executable, resolved via PATH unless absolute")
	monitorInterval := flag.Duration("monitor-interval", 5*time.Second, "Health check interval")
	debug := flag.Bool("debug", false, "Enable debug mode")
	version := flag.Bool("version", false, "Show version")
	help := flag.Bool("help", false, "Show help")

	// Parse arguments
	flag.Parse()
	if flag.NArg() > 0 {
		flag.PrintDefaults()
		logrus.Fatal("Invalid command")
	}

	if *version {
		fmt.Printf("udp2rawd version %s\n", strings.TrimPrefix(pkgversion.Version, "v"))
		os.Exit(0)
	}

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	if pidFile != "" {
		pid := fmt.Sprintf("%d", os.Getpid())
		if err := os.WriteFile(pidFile, []byte(pid), 0o644); err != nil {
			logrus.Fatalf("Cannot write pid file: %v", err)
		}
		logrus.Infof("PidFilePath: %s", pidFile)
	}

	if logFilePath != "" {
		logFile, err := os.Create(logFilePath)
		if err != nil {
			logrus.Fatalf("Cannot write log file %s : %v", logFilePath, err)
		}
		defer logFile.Close()
		logrus.SetOutput(io.MultiWriter(os.Stderr, logFile))
		logrus.Infof("LogFilePath %s", logFilePath)
	}

	doc, err := config.Load(configFile)
	if err != nil {
		logrus.Fatalf("Cannot read configuration %s: %v", configFile, err)
	}

	if *debug {
		logrus.Info("Debug mode enabled")
		logrus.SetLevel(logrus.DebugLevel)
	} else if lvl, err := logrus.ParseLevel(doc.Global.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	controller := process.NewController(binaryPath)
	rules := iptables.New(doc.Global.WaitLock)
	driver := supervisor.NewDriver(configFile, binaryPath, controller, rules)

	if doc.Global.Enabled {
		if err := driver.ApplyConfig(doc, true); err != nil {
			// instances that failed stay visible in status; the daemon
			// still comes up so the operator can fix the config over the API
			logrus.Warnf("initial apply: %v", err)
		}
	} else {
		logrus.Info("service is disabled in configuration, waiting for enablement over the API")
	}

	monitor := supervisor.NewMonitor(driver)
	sched := cron.New()
	if _, err := sched.AddJob(fmt.Sprintf("@every %s", *monitorInterval), monitor); err != nil {
		logrus.Fatalf("Cannot schedule health monitor: %v", err)
	}
	sched.Start()

	errChan := make(chan error, 1)
	go func() {
		errChan <- listenServeAPI(socketFile, &router.Backend{
			TunnelDriver: driver,
		})
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logrus.Infof("Received %s, shutting down", sig)
	case err := <-errChan:
		logrus.Errorf("API server failed: %v", err)
	}

	<-sched.Stop().Done()
	driver.Shutdown()
}

func listenServeAPI(socketPath string, backend *router.Backend) error {
	r := mux.NewRouter()
	router.AddRoutes(r, backend)
	srv := &http.Server{Handler: r}
	err := os.RemoveAll(socketPath)
	if err != nil {
		return err
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	logrus.Infof("Starting udp2rawd API to serve on %s", socketPath)
	return srv.Serve(l)
}
