package paramstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error

	store      map[string]string
	batchErr   error
	batchCalls [][]string
}

func (f *fakeAPI) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return f.getOut, f.getErr
}

func (f *fakeAPI) GetParameters(_ context.Context, in *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	f.batchCalls = append(f.batchCalls, in.Names)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &ssm.GetParametersOutput{}
	for _, n := range in.Names {
		v, ok := f.store[n]
		if !ok {
			out.InvalidParameters = append(out.InvalidParameters, n)
			continue
		}
		out.Parameters = append(out.Parameters, types.Parameter{Name: strPtr(n), Value: strPtr(v)})
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"token":"v"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, `{"token":"v"}`, v)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestGetParameters_ReturnsFoundValues(t *testing.T) {
	api := &fakeAPI{store: map[string]string{
		"/sim/config/model": "claude-sonnet-4-20250514",
	}}
	client, err := New(api)
	require.NoError(t, err)

	got, err := client.GetParameters(context.Background(), []string{"/sim/config/model", "/sim/config/coach_model", "/sim/config/model"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"/sim/config/model": "claude-sonnet-4-20250514"}, got)
	require.Equal(t, [][]string{{"/sim/config/model", "/sim/config/coach_model"}}, api.batchCalls)
}

func TestGetParameters_Batches(t *testing.T) {
	api := &fakeAPI{store: map[string]string{}}
	var names []string
	for i := 0; i < 23; i++ {
		n := fmt.Sprintf("/sim/p%d", i)
		names = append(names, n)
		api.store[n] = "v"
	}
	client, err := New(api)
	require.NoError(t, err)

	got, err := client.GetParameters(context.Background(), names)
	require.NoError(t, err)
	require.Len(t, got, 23)
	require.Len(t, api.batchCalls, 3)
	require.Len(t, api.batchCalls[0], 10)
	require.Len(t, api.batchCalls[2], 3)
}

func TestGetParameters_Errors(t *testing.T) {
	client, err := New(&fakeAPI{batchErr: errors.New("throttled")})
	require.NoError(t, err)
	_, err = client.GetParameters(context.Background(), []string{"a"})
	require.ErrorContains(t, err, "throttled")

	_, err = client.GetParameters(context.Background(), []string{"a", " "})
	require.ErrorContains(t, err, "required")

	_, err = (&Client{}).GetParameters(context.Background(), []string{"a"})
	require.ErrorContains(t, err, "not initialized")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}
