package ports

import "github.com/flightincorporated47/metasys-connector-backend/internal/domain"

type EventQueue interface {
	Enqueue(ev domain.ChangeEvent) bool
	DequeueBatch(max int) []domain.ChangeEvent
	Len() int
}
