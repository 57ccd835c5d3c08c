// Package http exposes the REST surface consumed by the frontend shell:
// plugin lifecycle, environments, dependencies, and mirror settings.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tuleaj/plugin-aggregator/internal/deps"
	"github.com/tuleaj/plugin-aggregator/internal/environment"
	"github.com/tuleaj/plugin-aggregator/internal/mirror"
	"github.com/tuleaj/plugin-aggregator/internal/registry"
	"github.com/tuleaj/plugin-aggregator/internal/store"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	registry *registry.Registry
	envs     *environment.Manager
	syncer   *deps.Synchronizer
	mirrors  *mirror.Selector
	store    *store.Store
	version  string
}

// NewHandlers creates a new handler set
func NewHandlers(reg *registry.Registry, envs *environment.Manager, syncer *deps.Synchronizer, mirrors *mirror.Selector, st *store.Store, version string) *Handlers {
	return &Handlers{
		registry: reg,
		envs:     envs,
		syncer:   syncer,
		mirrors:  mirrors,
		store:    st,
		version:  version,
	}
}

// Root handles the liveness check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "plugin-aggregator",
		"version": h.version,
	})
}

// Health handles the detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"plugins":            len(h.registry.Plugins()),
		"environments":       len(h.envs.List()),
		"active_environment": h.envs.Active(),
	})
}

// ListPlugins lists all discovered plugins with their statuses
func (h *Handlers) ListPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": h.registry.Plugins()})
}

// ScanPlugins rescans the plugins directory
func (h *Handlers) ScanPlugins(c *gin.Context) {
	plugins, err := h.registry.Scan()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

// GetPlugin returns one plugin descriptor
func (h *Handlers) GetPlugin(c *gin.Context) {
	name := c.Param("name")
	plugin, ok := h.registry.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no plugin named " + name})
		return
	}
	c.JSON(http.StatusOK, plugin)
}

// StartPlugin syncs the active environment and launches the plugin
func (h *Handlers) StartPlugin(c *gin.Context) {
	name := c.Param("name")
	started, err := h.registry.Start(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": started, "plugin": name})
}

// StopPlugin stops a running plugin
func (h *Handlers) StopPlugin(c *gin.Context) {
	name := c.Param("name")
	stopped := h.registry.Stop(name)
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "plugin": name})
}

// UninstallPlugin stops a plugin if needed and removes it from disk
func (h *Handlers) UninstallPlugin(c *gin.Context) {
	if err := h.registry.Uninstall(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uninstalled": true})
}

type installRequest struct {
	ArchivePath string `json:"archive_path" binding:"required"`
}

// InstallPlugin unpacks a plugin bundle archive into the plugins root
func (h *Handlers) InstallPlugin(c *gin.Context) {
	var req installRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	plugin, err := h.registry.Install(req.ArchivePath)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plugin)
}

// ResolvedDependencies returns the merged dependency set across plugins
func (h *Handlers) ResolvedDependencies(c *gin.Context) {
	resolved, err := h.syncer.ResolveAll()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

// SyncEnvironment reconciles one environment against the resolved set
func (h *Handlers) SyncEnvironment(c *gin.Context) {
	name := c.Param("name")
	resolved, err := h.syncer.Synchronize(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environment": name, "resolved": resolved})
}

// ListEnvironments returns the known environments
func (h *Handlers) ListEnvironments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"environments": h.envs.List(),
		"active":       h.envs.Active(),
	})
}

// RescanEnvironments rebuilds the environment list from disk
func (h *Handlers) RescanEnvironments(c *gin.Context) {
	envs, err := h.envs.Rescan(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

type createEnvRequest struct {
	Name          string `json:"name" binding:"required"`
	PythonVersion string `json:"python_version" binding:"required"`
}

// CreateEnvironment provisions a new environment
func (h *Handlers) CreateEnvironment(c *gin.Context) {
	var req createEnvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env, err := h.envs.Create(c.Request.Context(), req.Name, req.PythonVersion)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// DeleteEnvironment removes an environment from disk and the store
func (h *Handlers) DeleteEnvironment(c *gin.Context) {
	if err := h.envs.Delete(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ActivateEnvironment selects the environment plugins run in
func (h *Handlers) ActivateEnvironment(c *gin.Context) {
	name := c.Param("name")
	if err := h.envs.SetActive(name); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": name})
}

// EnvironmentPackages lists the installed packages of one environment
func (h *Handlers) EnvironmentPackages(c *gin.Context) {
	pkgs, err := h.envs.Packages(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": pkgs})
}

type installPackageRequest struct {
	Package string `json:"package" binding:"required"`
}

// InstallPackage installs one requirement into an environment, using the
// configured mirror index when one is enabled
func (h *Handlers) InstallPackage(c *gin.Context) {
	var req installPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := c.Param("name")
	if err := h.envs.InstallPackage(c.Request.Context(), name, req.Package, h.mirrors.IndexURL()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environment": name, "installed": req.Package})
}

// ListMirrors returns the configured mirror sources
func (h *Handlers) ListMirrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled": h.store.MirrorsEnabled(),
		"sources": h.store.MirrorSources(),
		"index":   h.mirrors.IndexURL(),
	})
}

type mirrorsRequest struct {
	Enabled bool                 `json:"enabled"`
	Sources []store.MirrorSource `json:"sources"`
}

// UpdateMirrors replaces the mirror configuration
func (h *Handlers) UpdateMirrors(c *gin.Context) {
	var req mirrorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.SetMirrorsEnabled(req.Enabled); err != nil {
		fail(c, err)
		return
	}
	if req.Sources != nil {
		if err := h.store.SetMirrorSources(req.Sources); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

// MirrorHealth probes every configured mirror
func (h *Handlers) MirrorHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mirrors": h.mirrors.Probe(c.Request.Context())})
}
