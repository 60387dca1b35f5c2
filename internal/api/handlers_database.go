package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/castflow/castflow/internal/database"
)

// maxBackupBytes bounds uploaded backup files.
const maxBackupBytes = 64 << 20

// listDatabaseTables names the exportable tables with display labels.
// GET /api/v1/database/tables
func (s *Server) listDatabaseTables(c echo.Context) error {
	type tableInfo struct {
		Name  string `json:"name"`
		Label string `json:"label"`
	}
	var out []tableInfo
	for _, name := range database.ExportableTables() {
		out = append(out, tableInfo{Name: name, Label: database.TableLabel(name)})
	}
	return c.JSON(http.StatusOK, out)
}

// exportDatabase dumps the selected tables (all when unspecified) as a
// downloadable JSON backup.
// GET /api/v1/database/export?tables=watchlist,users
func (s *Server) exportDatabase(c echo.Context) error {
	var tables []string
	if raw := c.QueryParam("tables"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				tables = append(tables, name)
			}
		}
	}

	backup, err := s.deps.Transfer.Export(c.Request().Context(), tables)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	filename := fmt.Sprintf("castflow-backup-%s.json", time.Now().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+filename+`"`)
	return c.JSON(http.StatusOK, backup)
}

// importDatabase validates an uploaded backup and hands the restore to
// the task slot, so a long import reports progress like any other task.
// POST /api/v1/database/import (multipart: file, mode, tables)
func (s *Server) importDatabase(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing backup file")
	}
	if file.Size > maxBackupBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "backup file too large")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read backup file")
	}
	defer src.Close()
	content, err := io.ReadAll(io.LimitReader(src, maxBackupBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read backup file")
	}

	// Parse up front so a corrupt upload fails the request, not the task.
	if _, err := database.ParseBackup(content); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	mode := c.FormValue("mode")
	if mode == "" {
		mode = string(database.ModeMerge)
	}
	if m := database.ImportMode(mode); m != database.ModeOverwrite && m != database.ModeMerge {
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be overwrite or merge")
	}

	var tables []any
	for _, name := range strings.Split(c.FormValue("tables"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			tables = append(tables, name)
		}
	}

	accepted, err := s.deps.Tasks.SubmitArgs("import-database", map[string]any{
		"content": string(content),
		"mode":    mode,
		"tables":  tables,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !accepted {
		return echo.NewHTTPError(http.StatusConflict, "另一个任务正在运行")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "mode": mode})
}
