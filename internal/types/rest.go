package types

import (
	"github.com/DoyleJ11/collab-board/internal/boardstore"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

// UpdateRequest is the body of PATCH /boards/{board}/shapes/{id}.
type UpdateRequest struct {
	Patch     shape.Patch `json:"patch"`
	UpdatedBy string      `json:"updatedBy"`
	UpdatedAt int64       `json:"updatedAt"`
}

// DeleteRequest is the body of DELETE /boards/{board}/shapes/{id}.
type DeleteRequest struct {
	DeletedBy string `json:"deletedBy"`
	DeletedAt int64  `json:"deletedAt"`
}

// BatchRequest is the body of POST /boards/{board}/shapes/batch.
type BatchRequest struct {
	Shapes []boardstore.Record `json:"shapes"`
}

type ShapesResponse struct {
	Shapes []boardstore.Record `json:"shapes"`
}

type BoardResponse struct {
	Board string `json:"board"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
