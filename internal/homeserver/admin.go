package homeserver

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/kuitang/authprobe/internal/adminapi"
	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

const adminRoomsPath = "/_synapse/admin/v1/rooms/"

// Admin drives the Synapse admin API as a server administrator. The access
// token comes from a password login and is kept for the life of the Admin.
type Admin struct {
	api *adminapi.Client
}

type deleteRoomRequest struct {
	Message string `json:"message"`
	Block   bool   `json:"block"`
	Purge   bool   `json:"purge"`
}

// DeleteRoomResult is the Synapse answer to a room deletion.
type DeleteRoomResult struct {
	KickedUsers       []string `json:"kicked_users"`
	FailedToKickUsers []string `json:"failed_to_kick_users"`
	LocalAliases      []string `json:"local_aliases"`
}

// NewAdmin returns an admin client that logs in as username on first use.
func NewAdmin(baseURL string, hc *http.Client, username, password string) *Admin {
	login := New(baseURL, hc)
	tokens := adminapi.NewTokenCache(func(ctx context.Context) (*oauth2.Token, error) {
		creds, err := login.Login(ctx, username, password)
		if err != nil {
			return nil, err
		}
		return &oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}, nil
	})
	return &Admin{api: adminapi.New(baseURL, hc, tokens, "homeserver")}
}

// DeleteRoom makes every member leave roomID, blocks it and purges its
// history. A room the server no longer knows counts as deleted.
func (a *Admin) DeleteRoom(ctx context.Context, roomID string) (*DeleteRoomResult, error) {
	if roomID == "" {
		return nil, errs.New(errs.InvalidArgument, "homeserver delete room: room id is required")
	}
	var out DeleteRoomResult
	err := a.api.Do(ctx, "homeserver delete room", http.MethodDelete, adminRoomsPath+url.PathEscape(roomID),
		deleteRoomRequest{Message: "Clean up room", Block: true, Purge: true}, &out)
	if adminapi.IsNotFound(err) {
		obs.From(ctx).With("pkg", "homeserver").Info("room_already_gone", "room_id", roomID)
		return &DeleteRoomResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	obs.From(ctx).With("pkg", "homeserver").Info("room_deleted", "room_id", roomID, "kicked", len(out.KickedUsers))
	return &out, nil
}

// RoomCleanup returns a teardown step for roomID, for fixture.Lease.Defer.
func (a *Admin) RoomCleanup(roomID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := a.DeleteRoom(ctx, roomID)
		return err
	}
}
