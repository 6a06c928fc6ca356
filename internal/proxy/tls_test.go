package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/siterun/internal/logging"
)

// writeSelfSignedCert generates a throwaway ECDSA self-signed certificate
// and writes PEM-encoded cert+key files under dir, mirroring the
// ecdsa.GenerateKey + x509.CreateCertificate shape used elsewhere in the
// retrieval pack's TLS tooling.
func writeSelfSignedCert(t *testing.T, dir string, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "siterun-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))

	keyBytes, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}), 0o600))
	return certPath, keyPath
}

func TestNewCertBundleLoadsAndServesCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, time.Now().Add(24*time.Hour))

	b, err := newCertBundle(certPath, keyPath, logging.New(nil))
	require.NoError(t, err)
	defer b.Close()

	cert, err := b.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestCertBundleMaybeReloadSkipsWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, time.Now().Add(24*time.Hour))

	b, err := newCertBundle(certPath, keyPath, logging.New(nil))
	require.NoError(t, err)
	defer b.Close()

	before, _ := b.GetCertificate(nil)
	b.maybeReload()
	after, _ := b.GetCertificate(nil)
	require.Same(t, before, after, "no file change means no reload, same *tls.Certificate pointer")
}

func TestCertBundleMaybeReloadPicksUpNewCertOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, time.Now().Add(24*time.Hour))

	b, err := newCertBundle(certPath, keyPath, logging.New(nil))
	require.NoError(t, err)
	defer b.Close()
	before, _ := b.GetCertificate(nil)

	// Force a distinct mtime (some filesystems only track mtime to the
	// second), then overwrite with a freshly generated pair.
	time.Sleep(1100 * time.Millisecond)
	newCertPath, newKeyPath := writeSelfSignedCert(t, t.TempDir(), time.Now().Add(48*time.Hour))
	certBytes, err := os.ReadFile(newCertPath)
	require.NoError(t, err)
	keyBytes, err := os.ReadFile(newKeyPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, certBytes, 0o644))
	require.NoError(t, os.WriteFile(keyPath, keyBytes, 0o600))

	b.maybeReload()
	after, _ := b.GetCertificate(nil)
	require.NotSame(t, before, after, "mtime changed, reload should swap in the new certificate")
}

func TestGetCertificateErrorsWithoutLoadedCert(t *testing.T) {
	b := &certBundle{certPath: "/nonexistent/cert.pem"}
	_, err := b.GetCertificate(nil)
	require.Error(t, err)
}
