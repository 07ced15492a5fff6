package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/signature"
)

type signatureReport struct {
	Signature string `json:"signature" yaml:"signature"`
	ClientKey string `json:"client_key" yaml:"client_key"`
	Identity  string `json:"identity,omitempty" yaml:"identity,omitempty"`
}

func newSignatureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signature",
		Short: "Compute the client signature and block-list key for request attributes",
		Long: `Compute the signature the gateway derives for a request. Useful to match a rate-limit
bucket or a security event back to a client. The secret comes from --secret or the config.`,
		RunE: runSignature,
	}
	cmd.Flags().String("secret", "", "Master secret (default: security.secret from config)")
	cmd.Flags().String("identity", "", "Identity id (empty for anonymous)")
	cmd.Flags().String("ip", "", "Client IP address")
	cmd.Flags().String("route", "/", "Route template or path")
	cmd.Flags().String("method", http.MethodGet, "HTTP method")
	cmd.Flags().String("user-agent", "", "User-Agent header")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}

func runSignature(cmd *cobra.Command, args []string) error {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		secret = cfg.Security.Secret
	}
	if secret == "" {
		return fmt.Errorf("no secret: pass --secret or set security.secret")
	}

	identity, _ := cmd.Flags().GetString("identity")
	ip, _ := cmd.Flags().GetString("ip")
	route, _ := cmd.Flags().GetString("route")
	method, _ := cmd.Flags().GetString("method")
	ua, _ := cmd.Flags().GetString("user-agent")

	rc := &model.RequestContext{
		Method:   strings.ToUpper(method),
		Path:     route,
		Route:    route,
		ClientIP: ip,
		Headers:  http.Header{},
	}
	if ua != "" {
		rc.Headers.Set("User-Agent", ua)
	}
	if identity != "" {
		rc.Identity = &model.Identity{ID: identity}
	}

	sig := signature.New(secret)
	report := signatureReport{
		Signature: sig.BuildSignature(rc),
		ClientKey: sig.ClientKey(ip),
		Identity:  identity,
	}
	return render(cmd, report, func(w io.Writer) error {
		fmt.Fprintf(w, "signature:  %s\n", report.Signature)
		fmt.Fprintf(w, "client key: %s\n", report.ClientKey)
		return nil
	})
}
