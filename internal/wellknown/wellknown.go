// Package wellknown serves the OAuth discovery documents that point MCP
// clients at the authorization server guarding an endpoint. It is mounted
// next to the streaming HTTP transport, never through it.
package wellknown

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	protectedResourcePrefix = "/.well-known/oauth-protected-resource"
	authServerPath          = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is the RFC 9728 document describing the MCP
// endpoint as a protected resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// AuthServerMetadata is the RFC 8414 subset mirrored for clients that look
// for it on the resource's origin.
type AuthServerMetadata struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint          string   `json:"token_endpoint,omitempty"`
	RegistrationEndpoint   string   `json:"registration_endpoint,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`
}

// Config describes the documents to serve.
type Config struct {
	// Resource is the public URL of the MCP endpoint, e.g. https://mcp.example/mcp.
	Resource        string
	Issuer          string
	JwksURI         string
	ScopesSupported []string
	ResourceName    string
	// AuthServer, when set, is served at /.well-known/oauth-authorization-server.
	AuthServer *AuthServerMetadata
}

// Handler serves the discovery routes.
type Handler struct {
	prm    ProtectedResourceMetadata
	prmURL *url.URL
	asm    *AuthServerMetadata
	mux    *http.ServeMux
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Handler, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("wellknown: issuer is required")
	}
	res, err := url.Parse(cfg.Resource)
	if err != nil || res.Scheme == "" || res.Host == "" {
		return nil, fmt.Errorf("wellknown: invalid resource url %q", cfg.Resource)
	}

	h := &Handler{
		prm: ProtectedResourceMetadata{
			Resource:               res.String(),
			AuthorizationServers:   []string{cfg.Issuer},
			JwksURI:                cfg.JwksURI,
			ScopesSupported:        cfg.ScopesSupported,
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.ResourceName,
		},
		prmURL: &url.URL{Scheme: res.Scheme, Host: res.Host, Path: ProtectedResourcePath(res.Path)},
		asm:    cfg.AuthServer,
		mux:    http.NewServeMux(),
	}

	prmPath := h.prmURL.Path
	h.mux.HandleFunc("GET "+prmPath, h.handleProtectedResource)
	h.mux.HandleFunc("OPTIONS "+prmPath, handlePreflight)
	if !strings.HasSuffix(prmPath, "/") {
		h.mux.HandleFunc("GET "+prmPath+"/", h.handleProtectedResource)
	}
	if h.asm != nil {
		h.mux.HandleFunc("GET "+authServerPath, h.handleAuthServer)
		h.mux.HandleFunc("OPTIONS "+authServerPath, handlePreflight)
	}
	return h, nil
}

// ProtectedResourcePath returns the discovery path for an endpoint served at
// endpointPath.
func ProtectedResourcePath(endpointPath string) string {
	if endpointPath == "" || endpointPath == "/" {
		return protectedResourcePrefix
	}
	return protectedResourcePrefix + "/" + strings.TrimPrefix(endpointPath, "/")
}

// ProtectedResourceURL is the absolute URL advertised in Bearer challenges.
func (h *Handler) ProtectedResourceURL() string { return h.prmURL.String() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	writeDocument(w, h.prm)
}

func (h *Handler) handleAuthServer(w http.ResponseWriter, r *http.Request) {
	writeDocument(w, h.asm)
}

func writeDocument(w http.ResponseWriter, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode metadata: %v", err), http.StatusInternalServerError)
	}
}

func handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}
