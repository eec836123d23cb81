package api

import (
	"github.com/gin-gonic/gin"

	"github.com/a2aflow/host/internal/common/apperror"
)

// respondError translates err's apperror.Kind into the matching HTTP status
// (spec §6.1) and writes a uniform {"error": ..., "kind": ...} body.
func respondError(c *gin.Context, err error) {
	kind := apperror.KindOf(err)
	c.JSON(kind.HTTPStatus(), gin.H{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func respondValidation(c *gin.Context, msg string) {
	respondError(c, apperror.New(apperror.KindValidation, msg))
}
