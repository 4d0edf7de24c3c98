package model

import "fmt"

// DealStatus описывает состояние сделки.
type DealStatus string

const (
	DealStatusPendingSeller DealStatus = "pending_seller"
	DealStatusPending       DealStatus = "pending"
	DealStatusDisputed      DealStatus = "disputed"
	DealStatusCompleted     DealStatus = "completed"
	DealStatusCancelled     DealStatus = "cancelled"
)

// DealStatuses перечисляет все состояния сделки.
var DealStatuses = []DealStatus{
	DealStatusPendingSeller,
	DealStatusPending,
	DealStatusDisputed,
	DealStatusCompleted,
	DealStatusCancelled,
}

// Valid сообщает, является ли значение известным состоянием.
func (s DealStatus) Valid() bool {
	_, ok := dealTransitions[s]
	return ok
}

// Terminal сообщает, является ли состояние конечным.
func (s DealStatus) Terminal() bool {
	return s.Valid() && len(dealTransitions[s]) == 0
}

// DealEvent описывает событие, переводящее сделку между состояниями.
type DealEvent string

const (
	DealEventAccept  DealEvent = "accept"
	DealEventCancel  DealEvent = "cancel"
	DealEventExpire  DealEvent = "expire"
	DealEventConfirm DealEvent = "confirm"
	DealEventDispute DealEvent = "dispute"
	DealEventResolve DealEvent = "resolve"
)

// DealEvents перечисляет все события жизненного цикла сделки.
var DealEvents = []DealEvent{
	DealEventAccept,
	DealEventCancel,
	DealEventExpire,
	DealEventConfirm,
	DealEventDispute,
	DealEventResolve,
}

// dealTransitions содержит ключ для каждого состояния; у конечных состояний переходов нет.
var dealTransitions = map[DealStatus]map[DealEvent]DealStatus{
	DealStatusPendingSeller: {
		DealEventAccept: DealStatusPending,
		DealEventCancel: DealStatusCancelled,
		DealEventExpire: DealStatusCancelled,
	},
	DealStatusPending: {
		DealEventConfirm: DealStatusCompleted,
		DealEventDispute: DealStatusDisputed,
	},
	DealStatusDisputed: {
		DealEventResolve: DealStatusCompleted,
	},
	DealStatusCompleted: {},
	DealStatusCancelled: {},
}

// Next возвращает состояние после события или ErrInvalidStateTransition.
func (s DealStatus) Next(e DealEvent) (DealStatus, error) {
	if next, ok := dealTransitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: cannot %s deal in status %s", ErrInvalidStateTransition, e, s)
}
