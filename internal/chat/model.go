package chat

import "time"

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// User is the read-only identity the chat core needs. Accounts are owned by
// the user package.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Conversation is always direct: exactly two distinct members.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Members   []User    `json:"members"`
}

type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Sender         Sender    `json:"sender"` // 🟢 Resolved on write, JOINed on read
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Cursor is the keyset position of a message: pages continue strictly
// after (CreatedAt, ID) in descending order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Page is one newest-first slice of a conversation's history.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// ---------------------------------------------
// 📨 Request Models
// ---------------------------------------------

// Recipient identifies the other party of a direct conversation, by id or by username.
type Recipient struct {
	UserID   string `json:"recipientUserId" validate:"required_without=Username,omitempty,uuid"`
	Username string `json:"recipientUsername" validate:"required_without=UserID,omitempty,min=3,max=32"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}
