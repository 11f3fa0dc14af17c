// Copyright 2021-2022 The streamrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package static serves the relay's browser assets from a public directory.
package static

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/alwitt/streamrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

const (
	notFoundBody   = "Error 404: resource not found."
	indexErrorBody = "Error loading index.html"
)

// ServerParams parameters for defining a Server
type ServerParams struct {
	// FS is the file system holding the public directory
	FS afero.Fs `validate:"required"`
	// PublicDir is the directory the assets are served from
	PublicDir string `validate:"required"`
	// IndexFile is the file, relative to PublicDir, served for "/"
	IndexFile string `validate:"required"`
	// CacheEntries is the max number of files kept in memory
	CacheEntries int `validate:"gte=1"`
}

// asset one cached file
type asset struct {
	contentType string
	body        []byte
}

// Server serves files from the public directory. File contents are cached after the
// first successful read.
type Server struct {
	common.Component
	files     afero.Fs
	indexFile string
	cache     *lru.Cache[string, asset]
}

// GetServer define a new Server
func GetServer(params ServerParams) (*Server, error) {
	logTags := log.Fields{
		"module": "static", "component": "server", "instance": params.PublicDir,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid static server params")
		return nil, err
	}
	cache, err := lru.New[string, asset](params.CacheEntries)
	if err != nil {
		return nil, err
	}
	return &Server{
		Component: common.Component{LogTags: logTags},
		files:     afero.NewBasePathFs(params.FS, params.PublicDir),
		indexFile: strings.TrimPrefix(path.Clean("/"+params.IndexFile), "/"),
		cache:     cache,
	}, nil
}

// ServeHTTP serve one asset
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Path
	if requested == "" || requested == "/" {
		s.serveIndex(w, r)
		return
	}
	for _, segment := range strings.Split(requested, "/") {
		if segment == ".." {
			s.reply(w, r, http.StatusNotFound, asset{contentType: "text/plain", body: []byte(notFoundBody)})
			return
		}
	}

	filePath := strings.TrimPrefix(path.Clean(requested), "/")
	content, err := s.load(filePath)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Debugf("Unable to serve '%s'", requested)
		s.reply(w, r, http.StatusNotFound, asset{contentType: "text/plain", body: []byte(notFoundBody)})
		return
	}
	s.reply(w, r, http.StatusOK, content)
}

// serveIndex serve the index file
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	content, err := s.load(s.indexFile)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read index file")
		s.reply(
			w, r, http.StatusInternalServerError,
			asset{contentType: "text/plain", body: []byte(indexErrorBody)},
		)
		return
	}
	s.reply(w, r, http.StatusOK, content)
}

// load read a file through the cache
func (s *Server) load(filePath string) (asset, error) {
	if cached, ok := s.cache.Get(filePath); ok {
		return cached, nil
	}
	info, err := s.files.Stat(filePath)
	if err != nil {
		return asset{}, err
	}
	if info.IsDir() {
		return asset{}, fmt.Errorf("'%s' is a directory", filePath)
	}
	body, err := afero.ReadFile(s.files, filePath)
	if err != nil {
		return asset{}, err
	}
	contentType := mime.TypeByExtension(path.Ext(filePath))
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	loaded := asset{contentType: contentType, body: body}
	s.cache.Add(filePath, loaded)
	return loaded, nil
}

// reply write the response
func (s *Server) reply(w http.ResponseWriter, r *http.Request, code int, content asset) {
	w.Header().Set("Content-Type", content.contentType)
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(content.body); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Failed to write response")
	}
}

// CachedEntries number of files currently cached
func (s *Server) CachedEntries() int {
	return s.cache.Len()
}
