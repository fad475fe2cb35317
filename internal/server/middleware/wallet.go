package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/milestonebet/internal/crypto"
)

// Wallet identity headers.
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
)

// maxSignedBody caps how much of a signed request is buffered for hashing.
const maxSignedBody = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

type walletKey struct{}

// WalletConfig controls how the caller's wallet is established.
type WalletConfig struct {
	// RequireSignature demands an EIP-191 signature over WalletMessage.
	// When false the address header is trusted as-is, for deployments
	// behind an authenticating gateway.
	RequireSignature bool
	// MaxAge bounds clock skew between the signed timestamp and now.
	MaxAge time.Duration
	Now    func() time.Time
}

// WalletMessage is the text a wallet signs to authenticate one request:
// milestonebet:<METHOD>:<PATH>:<unix-ts>:<keccak256(body) hex>. An empty
// body hashes like any other.
func WalletMessage(method, path string, ts int64, body []byte) []byte {
	return fmt.Appendf(nil, "milestonebet:%s:%s:%d:%s", method, path, ts, ethcrypto.Keccak256Hash(body).Hex())
}

// Wallet attaches the caller's checksummed address to the request context.
// Requests without an address header pass through anonymously; requests
// with an invalid identity are rejected with 401.
func Wallet(cfg WalletConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := strings.TrimSpace(r.Header.Get(HeaderWalletAddress))
			if addr == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(addr) {
				writeError(w, http.StatusUnauthorized, "invalid wallet address")
				return
			}

			if cfg.RequireSignature {
				if err := verifyWallet(r, addr, cfg); err != nil {
					logger.InfoContext(r.Context(), "wallet signature rejected",
						slog.String("address", addr),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					if errors.Is(err, errBodyTooLarge) {
						writeError(w, http.StatusRequestEntityTooLarge, err.Error())
						return
					}
					writeError(w, http.StatusUnauthorized, "invalid wallet signature")
					return
				}
			}

			ctx := WithWallet(r.Context(), common.HexToAddress(addr).Hex())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyWallet(r *http.Request, addr string, cfg WalletConfig) error {
	sig := r.Header.Get(HeaderWalletSignature)
	if sig == "" {
		return fmt.Errorf("missing %s", HeaderWalletSignature)
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderWalletTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("bad %s: %w", HeaderWalletTimestamp, err)
	}
	skew := cfg.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxAge {
		return fmt.Errorf("timestamp outside %s window", cfg.MaxAge)
	}
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return crypto.VerifyPersonal(addr, WalletMessage(r.Method, r.URL.Path, ts, body), sig)
}

// readBody buffers the request body and puts a fresh reader back for the
// handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxSignedBody {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// WithWallet returns a context carrying the caller's address.
func WithWallet(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, walletKey{}, addr)
}

// WalletFrom returns the caller's address, if one was established.
func WalletFrom(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(walletKey{}).(string)
	return addr, ok && addr != ""
}
