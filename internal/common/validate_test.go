package common_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

type guestReq struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type createReq struct {
	Guest  guestReq `json:"guest"`
	Guests int      `json:"guests" validate:"min=1"`
}

func TestValidateStructReportsJSONFieldNames(t *testing.T) {
	err := common.ValidateStruct(createReq{Guest: guestReq{Email: "nope"}})
	require.Error(t, err)

	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
	fields := appErr.Details.(map[string]any)["fields"].(map[string]string)
	require.Equal(t, "required", fields["guest.name"])
	require.Equal(t, "email", fields["guest.email"])
	require.Equal(t, "min", fields["guests"])

	require.NoError(t, common.ValidateStruct(createReq{Guest: guestReq{Name: "Aina", Email: "aina@example.com"}, Guests: 2}))
}

func TestWriteErrorRendersAppError(t *testing.T) {
	rr := httptest.NewRecorder()
	common.WriteError(rr, common.Conflict("NO_AVAILABILITY", "no rooms", nil))
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), `"code":"NO_AVAILABILITY"`)

	rr = httptest.NewRecorder()
	common.WriteError(rr, errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "boom")
}
