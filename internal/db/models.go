package db

type User struct {
	UserID            string
	EncryptedPassword string
	DeviceToken       string
	CreatedAt         int64
	UpdatedAt         int64
}

type OauthToken struct {
	UserID       string
	RefreshToken string
	AccessToken  string
	ExpiresAt    int64
}

type PushQueue struct {
	ID          string
	PoolID      string
	DeviceToken string
	Payload     string
	CreatedAt   int64
}
