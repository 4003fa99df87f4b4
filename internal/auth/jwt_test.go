package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 44-character base64 string, as produced by `openssl rand -base64 32`
const testSecret = "wJ6Qk8Qn1v9Qw1Zb2l8Qk9J3p6Qk8Qn1v9Qw1Zb2l8Qk="

func TestGenerateAccessToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	tests := []struct {
		name    string
		userID  string
		role    string
		wantErr bool
	}{
		{
			name:    "valid access token",
			userID:  "user-123",
			role:    "renter",
			wantErr: false,
		},
		{
			name:    "empty userID",
			userID:  "",
			role:    "renter",
			wantErr: true,
		},
		{
			name:    "empty role",
			userID:  "user-123",
			role:    "",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := svc.GenerateAccessToken(tt.userID, tt.role)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	svc := NewJWTService(testSecret)

	validToken, err := svc.GenerateAccessToken("user-123", "owner")
	if err != nil {
		t.Fatalf("Failed to generate access token: %v", err)
	}

	tests := []struct {
		name       string
		token      string
		wantUserID string
		wantRole   string
		wantErr    error
	}{
		{
			name:       "valid access token",
			token:      validToken,
			wantUserID: "user-123",
			wantRole:   "owner",
			wantErr:    nil,
		},
		{
			name:    "invalid token format",
			token:   "not-a-valid-token",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(tt.token)
			if err != tt.wantErr {
				t.Errorf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if claims.Subject != tt.wantUserID {
				t.Errorf("ValidateToken() Subject = %v, want %v", claims.Subject, tt.wantUserID)
			}
			if claims.Role != tt.wantRole {
				t.Errorf("ValidateToken() Role = %v, want %v", claims.Role, tt.wantRole)
			}
		})
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	svc := NewJWTService(testSecret)
	other := NewJWTService("a-completely-different-secret-value!!")

	token, err := other.GenerateAccessToken("user-123", "renter")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := svc.ValidateToken(token); err != ErrInvalidToken {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewJWTService(testSecret)

	// Hand-build a token that expired beyond the validation leeway.
	now := time.Now().Add(-2 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		Role: "renter",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if _, err := svc.ValidateToken(signed); err != ErrExpiredToken {
		t.Errorf("ValidateToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestValidateToken_RejectsUnexpectedAlgorithm(t *testing.T) {
	svc := NewJWTService(testSecret)

	// alg=none tokens must never validate.
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if _, err := svc.ValidateToken(signed); err != ErrInvalidToken {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateToken_DualKeyRotation(t *testing.T) {
	oldSvc := NewJWTService("the-previous-signing-secret-value!!!")
	rotated := NewJWTServiceWithRotation(testSecret, "the-previous-signing-secret-value!!!")

	oldToken, err := oldSvc.GenerateAccessToken("user-456", "owner")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	newToken, err := rotated.GenerateAccessToken("user-789", "renter")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	// Tokens signed with the previous secret still validate during rotation.
	claims, err := rotated.ValidateToken(oldToken)
	if err != nil {
		t.Fatalf("ValidateToken(old) error = %v", err)
	}
	if claims.Subject != "user-456" {
		t.Errorf("ValidateToken(old) Subject = %v, want user-456", claims.Subject)
	}

	claims, err = rotated.ValidateToken(newToken)
	if err != nil {
		t.Fatalf("ValidateToken(new) error = %v", err)
	}
	if claims.Subject != "user-789" {
		t.Errorf("ValidateToken(new) Subject = %v, want user-789", claims.Subject)
	}
}

func TestClaims_Admin(t *testing.T) {
	if (&Claims{Role: "renter"}).Admin() {
		t.Error("Admin() = true for renter role")
	}
	if !(&Claims{Role: RoleAdmin}).Admin() {
		t.Error("Admin() = false for admin role")
	}
}
