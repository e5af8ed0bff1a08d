package handler

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	domain "github.com/jewelpos/backend/internal/domain/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/storage"
	"github.com/jewelpos/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// ExportService is the integrity surface the export endpoints need
type ExportService interface {
	List(ctx context.Context) ([]integrity.ListedEntry, error)
	Verify(ctx context.Context, rel string) (domain.Result, error)
	VerifyAll(ctx context.Context) (*domain.Report, error)
	Forget(ctx context.Context, rel string) error
	Store() *storage.LocalFileStore
}

// ExportHandler serves files from the exports directory along with their
// recorded checksums
type ExportHandler struct {
	BaseHandler
	exports          ExportService
	verifyOnDownload bool
}

// NewExportHandler creates a new ExportHandler. With verifyOnDownload set,
// files whose checksum no longer matches the manifest are not served.
func NewExportHandler(exports ExportService, verifyOnDownload bool) *ExportHandler {
	return &ExportHandler{exports: exports, verifyOnDownload: verifyOnDownload}
}

// VerifyAllResponse is the outcome of a full verification pass
type VerifyAllResponse struct {
	OK bool `json:"ok"`
	*domain.Report
}

// List returns the manifest entries
func (h *ExportHandler) List(c *gin.Context) {
	entries, err := h.exports.List(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entries)
}

// Download streams one export file. The current checksum and its
// verification status travel in the X-Content-SHA256 and
// X-Integrity-Status headers.
func (h *ExportHandler) Download(c *gin.Context) {
	ctx := c.Request.Context()
	rel := pathParam(c)

	res, err := h.exports.Verify(ctx, rel)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	switch res.Status {
	case domain.StatusMissing:
		h.HandleError(c, domain.ErrFileNotFound)
		return
	case domain.StatusMismatch:
		if h.verifyOnDownload {
			c.Header(middleware.HeaderIntegrityStatus, string(res.Status))
			h.HandleError(c, domain.ErrMismatch)
			return
		}
		logger.L(ctx).Warn("Serving export with checksum mismatch", zap.String("path", res.Path))
	}

	f, info, err := h.exports.Store().Open(res.Path)
	if errors.Is(err, fs.ErrNotExist) {
		h.HandleError(c, domain.ErrFileNotFound)
		return
	}
	if err != nil {
		h.HandleError(c, err)
		return
	}
	defer f.Close()

	c.Header(middleware.HeaderContentSHA256, res.Actual)
	c.Header(middleware.HeaderIntegrityStatus, string(res.Status))
	c.Header("Content-Disposition", `attachment; filename="`+path.Base(res.Path)+`"`)
	http.ServeContent(c.Writer, c.Request, path.Base(res.Path), info.ModTime(), f)
}

// Verify checks one file against the manifest
func (h *ExportHandler) Verify(c *gin.Context) {
	res, err := h.exports.Verify(c.Request.Context(), pathParam(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, res)
}

// VerifyAll checks every tracked file. Problems are reported in the body,
// the status is 200 either way.
func (h *ExportHandler) VerifyAll(c *gin.Context) {
	report, err := h.exports.VerifyAll(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, VerifyAllResponse{OK: report.OK(), Report: report})
}

// Forget drops a manifest entry. The file stays on disk.
func (h *ExportHandler) Forget(c *gin.Context) {
	if err := h.exports.Forget(c.Request.Context(), pathParam(c)); err != nil {
		h.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// pathParam returns the *path wildcard without its leading slash
func pathParam(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("path"), "/")
}
