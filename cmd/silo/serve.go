package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/githubxxcc/silo/internal/silo"
)

var (
	serverAddress      net.IP
	serverPort         string
	tlsCertificateFile string
	tlsPrivateKeyFile  string
	serveTableName     string
	serveShards        int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve records over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.IPVar(&serverAddress, "server-address", nil,
		`IP address on which to serve HTTP requests`)
	flags.StringVar(&serverPort, "server-port", "",
		`Port on which to serve HTTP requests`)
	flags.StringVar(&tlsCertificateFile, "tls-cert-file", "",
		`File containing the X.509 certificates with which to serve HTTPS,
containing certificates for this server, any intermediate CAs, and the CA`)
	flags.StringVar(&tlsPrivateKeyFile, "tls-private-key-file", "",
		`File containing the X.509 private key for the first X.509 certificate
in --tls-cert-file`)
	flags.StringVar(&serveTableName, "table", "default",
		`Name of the table to serve records from`)
	flags.IntVar(&serveShards, "index-shards", 0,
		`Number of index range shards for the served table (0 for the default)`)
}

type tlsConfig struct {
	certificateFilePath string
	privateKeyFilePath  string
}

func joinIPAddressAndPort(address net.IP, port string) string {
	var host string
	var empty net.IP
	if !address.Equal(empty) {
		host = address.String()
	}
	return net.JoinHostPort(host, port)
}

func runHTTPServer(address net.IP, port string, tlsConf *tlsConfig, handler http.Handler, stop <-chan struct{}) error {
	server := &http.Server{
		Addr:    joinIPAddressAndPort(address, port),
		Handler: handler,
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-stop
		// Don't bother imposing a timeout here.
		if err := server.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to shut down HTTP server: %v\n", err)
		}
	}()
	var err error
	if tlsConf != nil {
		err = server.ListenAndServeTLS(tlsConf.certificateFilePath, tlsConf.privateKeyFilePath)
	} else {
		err = server.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

func runServe() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var serverTLSConfig *tlsConfig
	if len(tlsCertificateFile) > 0 {
		if len(tlsPrivateKeyFile) == 0 {
			fatalf(2, "--tls-private-key-file must be nonempty when --tls-cert-file is specified")
		}
		serverTLSConfig = &tlsConfig{
			certificateFilePath: tlsCertificateFile,
			privateKeyFilePath:  tlsPrivateKeyFile,
		}
	} else if len(tlsPrivateKeyFile) > 0 {
		fatalf(2, "--tls-cert-file must be nonempty when --tls-private-key-file is specified")
	}

	if len(serverPort) == 0 {
		if serverTLSConfig != nil {
			serverPort = "443"
		} else {
			serverPort = "80"
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fatalf(1, "Failed to create logger: %v", err)
	}
	defer logger.Sync()

	engine := silo.Open(silo.WithLogger(logger))
	table := engine.OpenTable(serveTableName, serveShards)
	handler := makeHandler(table)
	if err := runHTTPServer(serverAddress, serverPort, serverTLSConfig, handler, ctx.Done()); err != nil {
		fatalf(1, "HTTP server failed: %v", err)
	}
}
