package handlers

import (
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/services"
)

type APIHandlers struct {
	Accounts *AccountsHandler
	Emails   *EmailsHandler
}

func InitHandlers(repos *repository.Repositories, svcs *services.Services) *APIHandlers {
	return &APIHandlers{
		Accounts: NewAccountsHandler(repos, svcs),
		Emails:   NewEmailsHandler(repos, svcs),
	}
}
