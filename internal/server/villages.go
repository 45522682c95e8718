package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"powerline/internal/domain"
	"powerline/internal/engine"
)

type villagePath struct {
	ID string `path:"id"`
}

func registerVillages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-villages",
		Method:      http.MethodGet,
		Path:        "/villages",
		Summary:     "List villages",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Village `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListVillages(ctx, principal.Principal)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Village `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-village",
		Method:        http.MethodPost,
		Path:          "/villages",
		Summary:       "Create village",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body VillageRequest `json:"body"`
	}) (*struct {
		Body domain.Village `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CreateVillage(ctx, principal.Principal, engine.VillageOptions{
			Name:     input.Body.Name,
			District: input.Body.District,
			State:    input.Body.State,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Village `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-village",
		Method:      http.MethodGet,
		Path:        "/villages/{id}",
		Summary:     "Get village",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *villagePath) (*struct {
		Body domain.Village `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.GetVillage(ctx, principal.Principal, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Village `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-village",
		Method:      http.MethodPatch,
		Path:        "/villages/{id}",
		Summary:     "Update village",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body VillagePatchRequest `json:"body"`
	}) (*struct {
		Body domain.Village `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.UpdateVillage(ctx, principal.Principal, input.ID, engine.VillageUpdate{
			Name:     input.Body.Name,
			District: input.Body.District,
			State:    input.Body.State,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Village `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-village",
		Method:        http.MethodDelete,
		Path:          "/villages/{id}",
		Summary:       "Delete village with its outages",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *villagePath) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteVillage(ctx, principal.Principal, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
