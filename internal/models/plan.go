package models

import "time"

// Plan is an uploaded drawing document that belongs to a project.
type Plan struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Name       string    `json:"name"`
	FileID     string    `json:"fileId"`
	PageCount  int       `json:"pageCount"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// FileInfo represents metadata about a stored document file.
type FileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploadedAt"`
}
