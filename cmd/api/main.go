package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/app"
	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/config"
)

func main() {
	application, err := app.NewApp(context.Background(), config.New(""))
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer application.Close()
	lambda.Start(application.HandleRequest)
}
