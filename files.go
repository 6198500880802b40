package main

import (
	"strings"
	"sync"
)

// fileStore is the flat, process-wide table of fake files every session
// reads and writes. Names are kept in first-creation order so ls output is
// stable.
type fileStore struct {
	mu    sync.RWMutex
	ext   string
	files map[string]string
	order []string
}

func newFileStore(ext string) *fileStore {
	return &fileStore{
		ext:   ext,
		files: make(map[string]string),
	}
}

// allowed reports whether name carries the store's file extension.
func (fs *fileStore) allowed(name string) bool {
	return strings.HasSuffix(name, fs.ext)
}

func (fs *fileStore) put(name, content string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.putLocked(name, content)
}

func (fs *fileStore) putLocked(name, content string) {
	if _, ok := fs.files[name]; !ok {
		fs.order = append(fs.order, name)
	}
	fs.files[name] = content
}

func (fs *fileStore) get(name string) (string, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	c, ok := fs.files[name]
	return c, ok
}

// copy duplicates src into dst under one lock so a concurrent writer can't
// slip between the read and the write.
func (fs *fileStore) copy(src, dst string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.files[src]
	if !ok {
		return false
	}
	fs.putLocked(dst, c)
	return true
}

func (fs *fileStore) names() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return append([]string(nil), fs.order...)
}
