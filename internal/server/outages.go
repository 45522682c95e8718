package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"powerline/internal/domain"
	"powerline/internal/engine"
	"powerline/internal/engine/auth"
)

type outagePath struct {
	ID string `path:"id"`
}

func registerOutages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outages",
		Method:      http.MethodGet,
		Path:        "/outages",
		Summary:     "List outages visible to the caller",
		Description: "Employees see every outage; residents only their own village. Newest first.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Outage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOutages(ctx, principal.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Outage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-outages",
		Method:      http.MethodGet,
		Path:        "/outages/active",
		Summary:     "List unresolved outages visible to the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Outage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActiveOutages(ctx, principal.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Outage `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-outage",
		Method:        http.MethodPost,
		Path:          "/outages",
		Summary:       "Report an outage and notify the village",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body    CreateOutageRequest `json:"body"`
		RawBody []byte
	}) (*struct {
		Body domain.Outage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// permission is reported ahead of a malformed duration
		if err := auth.Authorize(principal.Principal, auth.CreateOutage, auth.Target{VillageID: input.Body.VillageID}); err != nil {
			return nil, handleError(err)
		}
		hours, err := durationFromBody(input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		o, err := e.CreateOutage(ctx, principal.Principal, engine.OutageCreateOptions{
			VillageID:     input.Body.VillageID,
			Reason:        input.Body.Reason,
			DurationHours: hours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Outage `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-outage",
		Method:      http.MethodGet,
		Path:        "/outages/{id}",
		Summary:     "Get outage",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *outagePath) (*struct {
		Body domain.Outage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.GetOutage(ctx, principal.Principal, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Outage `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-outage",
		Method:      http.MethodPost,
		Path:        "/outages/{id}/resolve",
		Summary:     "Mark an outage resolved and notify the village",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *outagePath) (*struct {
		Body domain.Outage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.ResolveOutage(ctx, principal.Principal, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Outage `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-outage",
		Method:        http.MethodDelete,
		Path:          "/outages/{id}",
		Summary:       "Delete outage record",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *outagePath) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteOutage(ctx, principal.Principal, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
