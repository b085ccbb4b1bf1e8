package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/app"
	"thankyou-survey/internal/devserver"
	"thankyou-survey/internal/shopify"
)

func main() {
	tokenFor := flag.String("token-for", "", "print an admin session token for this shop and exit")
	flag.Parse()

	fmt.Println(color.HiGreenString("thankyou-survey"), color.HiBlackString("dev server"))
	color.HiBlack("=====================================================\n")

	env, err := app.Init(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	cfg := env.Config

	if *tokenFor != "" {
		tok, err := shopify.SignSessionToken(cfg.ShopifyAPIKey, cfg.ShopifyAPISecret, shopify.NormalizeShop(*tokenFor), time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("sign session token")
		}
		fmt.Println(tok)
		return
	}

	var routes devserver.Routes
	if h, err := env.CheckoutHandler(); err != nil {
		log.Warn().Err(err).Msg("checkout routes disabled")
	} else {
		routes.Checkout = h.Handle
	}
	if h, err := env.AdminHandler(); err != nil {
		log.Warn().Err(err).Msg("admin routes disabled")
	} else {
		routes.Admin = h.Handle
	}
	if h, err := env.ShopifyHandler(); err != nil {
		log.Warn().Err(err).Msg("oauth and webhook routes disabled")
	} else {
		routes.Shopify = h.Handle
	}
	if h, err := env.InsightsHandler(); err != nil {
		log.Warn().Err(err).Msg("insights routes disabled")
	} else {
		routes.Insights = h.Handle
	}

	log.Info().Str("addr", cfg.DevAddr).Str("store", cfg.StoreDriver).Msg("listening")
	if err := http.ListenAndServe(cfg.DevAddr, devserver.NewRouter(routes)); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
