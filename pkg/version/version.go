package version

// Version is expected to be filled at build time:
// go build -ldflags "-X github.com/ihub-2020/udp2rawd/pkg/version.Version=v0.1.0"
var Version = "v0.0.0-unknown"
