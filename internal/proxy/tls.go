package proxy

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/r3e-network/siterun/internal/logging"
)

// certBundle is the SNI callback's stable closure over a mutable cell: a
// single-writer (the watcher goroutine), many-reader (the SNI callback)
// atomic pointer swap.
type certBundle struct {
	certPath string
	keyPath  string
	logger   *logging.Logger

	cell     atomic.Pointer[tls.Certificate]
	mtime    atomic.Int64
	reloading atomic.Bool

	watcher    *fsnotify.Watcher
	closeWatch chan struct{}
}

// newCertBundle loads certPath/keyPath once and arms a watch on certPath's
// directory for hot reload.
func newCertBundle(certPath, keyPath string, logger *logging.Logger) (*certBundle, error) {
	b := &certBundle{certPath: certPath, keyPath: keyPath, logger: logger, closeWatch: make(chan struct{})}
	if err := b.reload(); err != nil {
		return nil, err
	}
	if err := b.startWatch(); err != nil {
		logger.Warn("cert watch unavailable", map[string]interface{}{"path": certPath, "err": err.Error()})
	}
	return b, nil
}

// GetCertificate is the tls.Config.GetCertificate callback: it ignores the
// ClientHello's requested name (this proxy serves one bundle per listener,
// Host-header routing happens after TLS termination) and returns whatever
// the cell currently holds.
func (b *certBundle) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := b.cell.Load()
	if cert == nil {
		return nil, fmt.Errorf("proxy: no certificate loaded for %s", b.certPath)
	}
	return cert, nil
}

func (b *certBundle) reload() error {
	st, err := os.Stat(b.certPath)
	if err != nil {
		return fmt.Errorf("proxy: stat cert %s: %w", b.certPath, err)
	}
	cert, err := tls.LoadX509KeyPair(b.certPath, b.keyPath)
	if err != nil {
		return fmt.Errorf("proxy: load cert %s: %w", b.certPath, err)
	}
	b.cell.Store(&cert)
	b.mtime.Store(st.ModTime().UnixNano())
	return nil
}

// maybeReload reloads only if certPath's mtime has actually changed since
// the last load, "if the new mtime differs from the remembered one." A
// reloading flag prevents overlapping reloads from a burst of fsnotify
// events landing before the first reload finishes.
func (b *certBundle) maybeReload() {
	if !b.reloading.CompareAndSwap(false, true) {
		return
	}
	defer b.reloading.Store(false)

	st, err := os.Stat(b.certPath)
	if err != nil {
		b.logger.Warn("cert reload stat failed", map[string]interface{}{"path": b.certPath, "err": err.Error()})
		return
	}
	if st.ModTime().UnixNano() == b.mtime.Load() {
		return
	}
	if err := b.reload(); err != nil {
		b.logger.Warn("cert reload failed", map[string]interface{}{"path": b.certPath, "err": err.Error()})
		return
	}
	b.logger.Info("certificate reloaded", map[string]interface{}{"path": b.certPath})
}

func (b *certBundle) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.certPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	b.watcher = w
	go b.watchLoop()
	return nil
}

func (b *certBundle) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(b.certPath) && filepath.Clean(ev.Name) != filepath.Clean(b.keyPath) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, b.maybeReload)
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		case <-b.closeWatch:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (b *certBundle) Close() {
	if b.watcher == nil {
		return
	}
	close(b.closeWatch)
	b.watcher.Close()
}

// tlsConfigWithSNI builds the *tls.Config whose GetCertificate is the
// bundle's stable closure over its mutable cell, "expose an SNI callback
// that returns the current context."
func tlsConfigWithSNI(b *certBundle) *tls.Config {
	return &tls.Config{GetCertificate: b.GetCertificate}
}
