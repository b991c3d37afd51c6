package domain

type RoomID int64

type Room struct {
	ID    RoomID `json:"id"`
	Name  string `json:"name"`
	Owner UserID `json:"owner"`
}
