package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/svcpanel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = Setup(&config.TLSConfig{CertFile: "x", KeyFile: "y"})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c, err := Setup(&config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)

	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cp, kp := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "svc", Organization: "test", CertPath: cp, KeyPath: kp,
		NotAfter: mustFuture(),
	}))
	c, err := Setup(&config.TLSConfig{Enabled: true, CertFile: cp, KeyFile: kp})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(&config.TLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(&config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err, "missing files without auto_generate")

	_, err = Setup(&config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	_, err := safeReadFile(dir, p)
	assert.NoError(t, err)
	_, err = safeReadFile(dir, filepath.Join(dir, "..", "other"))
	assert.Error(t, err)
}

func mustFuture() time.Time { return time.Now().AddDate(0, 0, 1) }
