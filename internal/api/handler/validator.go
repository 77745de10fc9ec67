package handler

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/replywatch/internal/domain"
)

var registerOnce sync.Once

// RegisterValidators adds the domain binding tags to gin's validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
			return domain.Provider(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("review_action", func(fl validator.FieldLevel) bool {
			return domain.ReviewAction(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("review_status", func(fl validator.FieldLevel) bool {
			switch domain.ReviewStatus(fl.Field().String()) {
			case domain.ReviewStatusAwaitingReview, domain.ReviewStatusManualCheck,
				domain.ReviewStatusRequeued, domain.ReviewStatusResolved:
				return true
			}
			return false
		})
	})
}

// validationMessage flattens binding errors into a client-facing message.
func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	return fe.Field() + " failed on '" + fe.Tag() + "' validation"
}
