package topic

import (
	"github.com/getlantern/topicstream/model"
)

var (
	errEmptyFilter = model.ErrInvalidFilter.WithDescription("filter must not be empty")
)
