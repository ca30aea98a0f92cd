package api

import "chat_bridge/server/bridge/domain"

type HealthResponse struct {
	Status string `json:"status"`
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

type SessionResponse struct {
	Session domain.SessionSnapshot `json:"session"`
}

type DeadLettersResponse struct {
	Items []domain.DeadLetter `json:"items"`
	Count int                 `json:"count"`
}
