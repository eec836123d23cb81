package api

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/a2aflow/host/internal/artifact"
	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/repo"
)

const maxUploadBytes = 50 << 20 // 50MB

// uploadFile stores a multipart file in the ArtifactStore under the
// X-Session-ID header (spec §6.1 POST /upload).
func (s *Server) uploadFile(c *gin.Context) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		respondValidation(c, "X-Session-ID header is required")
		return
	}

	data, header, err := readUploadedFile(c)
	if err != nil {
		respondValidation(c, err.Error())
		return
	}

	art, err := s.artifacts.Put(c.Request.Context(), sessionID, header.Filename, data, header.Header.Get("Content-Type"), artifact.PutOptions{})
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.store.PutAgentFile(c.Request.Context(), &repo.AgentFile{
		SessionID: sessionID,
		FileID:    art.ArtifactID,
		Name:      art.Name,
		URI:       art.URI,
		MimeType:  art.MimeType,
	}); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, art)
}

// uploadVoice stores an audio upload and transcribes it (spec §6.1 POST
// /upload-voice; §2.3 supplemented feature: transcription is a stub
// Transcriber collaborator, the STT provider itself is out of scope).
func (s *Server) uploadVoice(c *gin.Context) {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		respondValidation(c, "X-Session-ID header is required")
		return
	}

	data, header, err := readUploadedFile(c)
	if err != nil {
		respondValidation(c, err.Error())
		return
	}
	mime := header.Header.Get("Content-Type")

	art, err := s.artifacts.Put(c.Request.Context(), sessionID, header.Filename, data, mime, artifact.PutOptions{})
	if err != nil {
		respondError(c, err)
		return
	}

	transcript, err := s.transcriber.Transcribe(c.Request.Context(), data, mime)
	if err != nil {
		respondError(c, apperror.Wrap(apperror.KindStore, "transcribe audio", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"transcript": transcript, "uri": art.URI})
}

// processFile enqueues an uploaded file for downstream document ingestion
// (spec §6.1 POST /api/files/process; §2.3: a no-op hook in this
// implementation, the ingestion pipeline itself is out of scope).
func (s *Server) processFile(c *gin.Context) {
	var req processFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": req.SessionID, "file_id": req.FileID, "status": "queued"})
}

// listFiles lists a session's registered files (spec §6.1 GET /api/files).
func (s *Server) listFiles(c *gin.Context) {
	files, err := s.store.ListAgentFiles(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, files)
}

// deleteFile removes one session file, both from the AgentFile registry and
// the ArtifactStore (spec §6.1 DELETE /api/files/{id}).
func (s *Server) deleteFile(c *gin.Context) {
	sessionID := c.Query("session_id")
	fileID := c.Param("id")

	if err := s.artifacts.Delete(c.Request.Context(), sessionID, fileID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.DeleteAgentFile(c.Request.Context(), sessionID, fileID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// clearMemory drops every artifact registered for a session (spec §6.1 POST
// /clear-memory): it lists the session's files from the repo AgentFile
// registry and deletes each one from the ArtifactStore and the registry. Any
// vector-store cleanup happens only through the ArtifactStore's onDelete hook.
func (s *Server) clearMemory(c *gin.Context) {
	var req clearMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	files, err := s.store.ListAgentFiles(c.Request.Context(), req.SessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	var deleted int
	for _, f := range files {
		if err := s.artifacts.Delete(c.Request.Context(), req.SessionID, f.FileID); err != nil {
			respondError(c, err)
			return
		}
		if err := s.store.DeleteAgentFile(c.Request.Context(), req.SessionID, f.FileID); err != nil {
			respondError(c, err)
			return
		}
		deleted++
	}

	c.JSON(http.StatusOK, gin.H{"session_id": req.SessionID, "files_cleared": deleted})
}

func readUploadedFile(c *gin.Context) ([]byte, *multipart.FileHeader, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, nil, err
	}
	if fileHeader.Size > maxUploadBytes {
		return nil, nil, apperror.New(apperror.KindValidation, "file exceeds maximum upload size")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, fileHeader, nil
}
